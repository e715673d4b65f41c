package console

import (
	"os"
	"testing"
)

func TestFilterMarkersHidesBareMarkers(t *testing.T) {
	in := []byte("hi\r\nNOID_EXEC_abcd1234\r\noutput line\r\nNOID_EXEC_abcd1234_EXIT0\r\nNOID_EXEC_abcd1234_END\r\nbye\r\n")
	got := string(filterMarkers(in))
	want := "hi\r\noutput line\r\nbye\r\n"
	if got != want {
		t.Fatalf("filterMarkers: got %q want %q", got, want)
	}
}

func TestFilterMarkersKeepsPromptContainingSubstring(t *testing.T) {
	in := []byte("user@host:~ NOID_EXEC_is_my_prompt$ \r\n")
	got := string(filterMarkers(in))
	if got != string(in) {
		t.Fatalf("filterMarkers dropped a non-marker line: got %q want %q", got, in)
	}
}

func TestOpenNearEndClampsToZero(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "serial.log")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("short"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rf, pos, err := openNearEnd(f.Name(), tailSeekBytes)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if pos != 0 {
		t.Fatalf("expected pos clamped to 0 for a short file, got %d", pos)
	}
}

func TestOpenNearEndSeeksBack(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "serial.log")
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, tailSeekBytes*4)
	for i := range data {
		data[i] = 'a'
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rf, pos, err := openNearEnd(f.Name(), tailSeekBytes)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	want := int64(len(data)) - tailSeekBytes
	if pos != want {
		t.Fatalf("pos = %d, want %d", pos, want)
	}
}
