package broker

import (
	"bufio"
	"fmt"
	"os/exec"
	"strings"
)

const supernet = "172.16.0.0/16"

// EnableForwarding idempotently installs IPv4 forwarding and a MASQUERADE
// rule for the VM supernet out the host's default-route interface. Safe to
// call repeatedly: each rule is added only if a check-then-add probe shows it
// is not already present.
func EnableForwarding() error {
	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("broker: enable ip_forward: %w", err)
	}

	iface, err := detectDefaultInterface()
	if err != nil {
		return fmt.Errorf("broker: detect default interface: %w", err)
	}
	if err := validateIfaceName(iface); err != nil {
		return err
	}

	// POSTROUTING MASQUERADE for traffic leaving via iface from the supernet.
	checkArgs := []string{"-t", "nat", "-C", "POSTROUTING", "-s", supernet, "-o", iface, "-j", "MASQUERADE"}
	if err := run("iptables", checkArgs...); err != nil {
		addArgs := []string{"-t", "nat", "-A", "POSTROUTING", "-s", supernet, "-o", iface, "-j", "MASQUERADE"}
		if err := run("iptables", addArgs...); err != nil {
			return fmt.Errorf("broker: install MASQUERADE rule: %w", err)
		}
	}

	// FORWARD rules both directions so supernet traffic is actually routed.
	for _, args := range [][]string{
		{"-C", "FORWARD", "-i", iface, "-o", "noid+", "-j", "ACCEPT"},
		{"-C", "FORWARD", "-i", "noid+", "-o", iface, "-j", "ACCEPT"},
	} {
		if err := run("iptables", args...); err != nil {
			add := append([]string{"-A"}, args[1:]...)
			if err := run("iptables", add...); err != nil {
				return fmt.Errorf("broker: install FORWARD rule %v: %w", args, err)
			}
		}
	}
	return nil
}

func validateIfaceName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n;|&$()<>") {
		return fmt.Errorf("broker: refusing invalid interface name %q", name)
	}
	return nil
}

// detectDefaultInterface parses `ip route show default` for the outbound
// device of the host's default route.
func detectDefaultInterface() (string, error) {
	cmd := exec.Command("ip", "route", "show", "default")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ip route show default: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		for i, f := range fields {
			if f == "dev" && i+1 < len(fields) {
				return fields[i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no default route found")
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
