package rollback

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keelos/agent/internal/system"
)

const uptimePath = "/proc/uptime"

// BootProbe verifies the system has been up long enough for services to
// have had a chance to initialize.
type BootProbe struct {
	MinUptime time.Duration
}

func NewBootProbe() *BootProbe {
	return &BootProbe{MinUptime: 10 * time.Second}
}

func (p *BootProbe) Name() string     { return "boot" }
func (p *BootProbe) IsCritical() bool { return true }

func (p *BootProbe) Check(ctx context.Context) Result {
	data, err := os.ReadFile(uptimePath)
	if err != nil {
		return Result{Pass: false, Message: "cannot read uptime: " + err.Error()}
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return Result{Pass: false, Message: "malformed uptime file"}
	}
	uptimeSecs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Result{Pass: false, Message: "cannot parse uptime: " + err.Error()}
	}

	if time.Duration(uptimeSecs*float64(time.Second)) <= p.MinUptime {
		return Result{Pass: false, Message: "system uptime too low"}
	}
	return Result{Pass: true, Message: "ok"}
}

const netDevPath = "/proc/net/dev"

// NetworkProbe looks for at least one non-loopback interface with non-zero
// traffic counters. Failure is non-critical: a node can be healthy without
// network connectivity.
type NetworkProbe struct{}

func NewNetworkProbe() *NetworkProbe { return &NetworkProbe{} }

func (p *NetworkProbe) Name() string     { return "network" }
func (p *NetworkProbe) IsCritical() bool { return false }

func (p *NetworkProbe) Check(ctx context.Context) Result {
	f, err := os.Open(netDevPath)
	if err != nil {
		return Result{Pass: false, Message: "cannot read network interfaces: " + err.Error()}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if line <= 2 {
			continue // header rows
		}
		text := scanner.Text()
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		iface := strings.TrimSuffix(fields[0], ":")
		if iface == "lo" {
			continue
		}
		if hasTraffic(fields[1:]) {
			return Result{Pass: true, Message: "interface " + iface + " active"}
		}
	}

	return Result{Pass: false, Message: "no active network interfaces"}
}

func hasTraffic(counters []string) bool {
	for _, c := range counters {
		if n, err := strconv.ParseUint(c, 10, 64); err == nil && n > 0 {
			return true
		}
	}
	return false
}

// APIProbe checks that a well-known local TCP port is accepting
// connections, by direct dial rather than parsing netstat output (see
// DESIGN.md's Open Question decision on the api probe).
type APIProbe struct {
	Port    int
	Timeout time.Duration
}

func NewAPIProbe(port int) *APIProbe {
	return &APIProbe{Port: port, Timeout: 2 * time.Second}
}

func (p *APIProbe) Name() string     { return "api" }
func (p *APIProbe) IsCritical() bool { return true }

func (p *APIProbe) Check(ctx context.Context) Result {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port))
	conn, err := net.DialTimeout("tcp", addr, p.Timeout)
	if err != nil {
		return Result{Pass: false, Message: "api port " + strconv.Itoa(p.Port) + " not listening: " + err.Error()}
	}
	conn.Close()
	return Result{Pass: true, Message: "ok"}
}

// ServiceProbe checks for the presence of a named process via pgrep,
// mirroring the prototype's ServiceCheck. Registering one is always
// critical.
type ServiceProbe struct {
	Name_   string
	Command system.Commander
}

func NewServiceProbe(name string, cmd system.Commander) *ServiceProbe {
	return &ServiceProbe{Name_: name, Command: cmd}
}

func (p *ServiceProbe) Name() string     { return "service:" + p.Name_ }
func (p *ServiceProbe) IsCritical() bool { return true }

func (p *ServiceProbe) Check(ctx context.Context) Result {
	err := p.Command.Command("pgrep", "-x", p.Name_).Run()
	if err != nil {
		return Result{Pass: false, Message: "service " + p.Name_ + " not running"}
	}
	return Result{Pass: true, Message: "ok"}
}
