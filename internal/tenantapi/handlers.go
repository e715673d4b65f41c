package tenantapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/auth"
	"github.com/opensandbox/opensandbox/internal/console"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/vmexec"
	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

const execFrameStdout byte = 0x01

var execUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// version is the tenant API's implementation version, reported by /version.
const version = "0.1.0"

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) version(c echo.Context) error {
	return c.JSON(http.StatusOK, noidtypes.VersionInfo{Version: version, APIVersion: 1})
}

func (s *Server) whoami(c echo.Context) error {
	userID := auth.GetUserID(c)
	name := userID
	if u, ok, err := s.store.UserByID(userID); err == nil && ok {
		name = u.Name
	}
	return c.JSON(http.StatusOK, noidtypes.WhoamiResponse{UserID: userID, Name: name})
}

func (s *Server) capabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, noidtypes.Capabilities{
		APIVersion:         1,
		MaxExecOutputBytes: vmexec.MaxOutputBytes,
		ExecTimeoutSecs:    s.cfg.ExecTimeoutSecs,
		ConsoleTimeoutSecs: s.cfg.ConsoleTimeoutSecs,
		MaxVMNameLength:    64,
		DefaultCpus:        s.cfg.DefaultCpus,
		DefaultMemMiB:      s.cfg.DefaultMemMiB,
	})
}

func vmInfo(v record.VM) noidtypes.VmInfo {
	return noidtypes.VmInfo{
		Name:      v.Name,
		Cpus:      v.Cpus,
		MemMiB:    v.MemMiB,
		State:     v.State,
		CreatedAt: v.CreatedAt,
		GuestIP:   v.GuestIP,
	}
}

func checkpointInfo(cp record.Checkpoint) noidtypes.CheckpointInfo {
	return noidtypes.CheckpointInfo{
		ID:        cp.ID,
		VMName:    cp.VMName,
		Label:     cp.Label,
		CreatedAt: cp.CreatedAt,
	}
}

func (s *Server) createVM(c echo.Context) error {
	userID := auth.GetUserID(c)
	var req noidtypes.CreateVmRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, apierr.Validationf("invalid request body: %v", err))
	}

	start := time.Now()
	v, err := s.backend.Create(userID, req.Name, req.Cpus, req.MemMiB)
	status := "success"
	if err != nil {
		status = "error"
	}
	// The backend doesn't report which boot path it took back to the
	// caller, so every create is recorded under "cold" here; distinguishing
	// the golden-snapshot fast path would require threading that choice
	// back out of backend.Create.
	metrics.VMCreateDuration.WithLabelValues("cold").Observe(time.Since(start).Seconds())
	metrics.VMCreatesTotal.WithLabelValues("cold", status).Inc()
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusCreated, vmInfo(v))
}

func (s *Server) listVMs(c echo.Context) error {
	userID := auth.GetUserID(c)
	vms, err := s.backend.List(userID)
	if err != nil {
		return errJSON(c, err)
	}
	out := make([]noidtypes.VmInfo, len(vms))
	for i, v := range vms {
		out[i] = vmInfo(v)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getVM(c echo.Context) error {
	userID := auth.GetUserID(c)
	v, err := s.backend.Get(userID, c.Param("name"))
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, vmInfo(v))
}

func (s *Server) destroyVM(c echo.Context) error {
	userID := auth.GetUserID(c)
	if err := s.backend.Destroy(userID, c.Param("name")); err != nil {
		return errJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) execVM(c echo.Context) error {
	userID := auth.GetUserID(c)
	var req noidtypes.ExecRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, apierr.Validationf("invalid request body: %v", err))
	}
	if len(req.Command) == 0 {
		return errJSON(c, apierr.Validationf("command must not be empty"))
	}

	start := time.Now()
	result, err := s.backend.Exec(userID, c.Param("name"), req.Command, req.Env, 0)
	metrics.ExecDuration.WithLabelValues(boolLabel(result.TimedOut)).Observe(time.Since(start).Seconds())
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, noidtypes.ExecResponse{
		Stdout:    result.Stdout,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Truncated: result.Truncated,
	})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (s *Server) createCheckpoint(c echo.Context) error {
	userID := auth.GetUserID(c)
	var req noidtypes.CheckpointRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, apierr.Validationf("invalid request body: %v", err))
	}

	start := time.Now()
	cp, err := s.backend.Checkpoint(userID, c.Param("name"), req.Label)
	metrics.CheckpointDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusCreated, checkpointInfo(cp))
}

func (s *Server) listCheckpoints(c echo.Context) error {
	userID := auth.GetUserID(c)
	cps, err := s.backend.ListCheckpoints(userID, c.Param("name"))
	if err != nil {
		return errJSON(c, err)
	}
	out := make([]noidtypes.CheckpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = checkpointInfo(cp)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) restoreVM(c echo.Context) error {
	userID := auth.GetUserID(c)
	var req noidtypes.RestoreRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, apierr.Validationf("invalid request body: %v", err))
	}
	if req.CheckpointID == "" {
		return errJSON(c, apierr.Validationf("checkpoint_id is required"))
	}

	v, err := s.backend.Restore(userID, c.Param("name"), req.CheckpointID, req.NewName)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, vmInfo(v))
}

// acquireWSSlot claims one of the bounded WebSocket session slots, returning
// false when the server is already at its concurrent-session limit.
func (s *Server) acquireWSSlot() (release func(), ok bool) {
	select {
	case s.wsSlots <- struct{}{}:
		return func() { <-s.wsSlots }, true
	default:
		return nil, false
	}
}

// execWS serves GET /v1/vms/{name}/exec: the client's first text frame is an
// ExecRequest, the server runs it through the same backend.Exec path as the
// synchronous POST, streams the captured stdout as one binary frame, then
// sends a final text frame carrying the ExecResult.
func (s *Server) execWS(c echo.Context) error {
	userID := auth.GetUserID(c)
	name := c.Param("name")

	release, ok := s.acquireWSSlot()
	if !ok {
		return errJSON(c, apierr.Unavailablef("too many concurrent sessions"))
	}
	defer release()

	ws, err := execUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil
	}
	var req noidtypes.ExecRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = ws.WriteJSON(noidtypes.ErrorResponse{Error: "invalid exec request: " + err.Error()})
		return nil
	}
	if len(req.Command) == 0 {
		_ = ws.WriteJSON(noidtypes.ErrorResponse{Error: "command must not be empty"})
		return nil
	}

	result, err := s.backend.Exec(userID, name, req.Command, req.Env, 0)
	if err != nil {
		_ = ws.WriteJSON(noidtypes.ErrorResponse{Error: err.Error()})
		return nil
	}
	if result.Stdout != "" {
		_ = ws.WriteMessage(websocket.BinaryMessage, append([]byte{execFrameStdout}, []byte(result.Stdout)...))
	}
	_ = ws.WriteJSON(noidtypes.ExecResponse{
		Stdout:    result.Stdout,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Truncated: result.Truncated,
	})
	return nil
}

func (s *Server) consoleWS(c echo.Context) error {
	userID := auth.GetUserID(c)
	name := c.Param("name")

	release, ok := s.acquireWSSlot()
	if !ok {
		return errJSON(c, apierr.Unavailablef("too many concurrent sessions"))
	}
	defer release()

	handle, err := s.backend.ConsoleAttach(userID, name)
	if err != nil {
		return errJSON(c, err)
	}

	sess := &console.Session{
		UserID:  userID,
		VMName:  name,
		Backend: s.backend,
		LogPath: handle.SerialLogPath,
		Timeout: time.Duration(s.cfg.ConsoleTimeoutSecs) * time.Second,
	}
	return sess.Serve(c)
}
