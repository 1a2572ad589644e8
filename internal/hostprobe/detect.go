// Package hostprobe detects distribution, init system, firewall, and
// network-manager facts once at startup and answers reachability and
// service-restart requests for the rest of the daemon's lifetime.
package hostprobe

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// Probe implements domain.HostProbe.
type Probe struct {
	logger *zap.Logger

	descriptor domain.HostDescriptor
	service    serviceCapability
}

// New creates a Probe. Call Detect once before using RestartService or
// CheckReachability; the host descriptor it builds is treated as
// read-only process-wide state afterward.
func New(logger *zap.Logger) *Probe {
	return &Probe{logger: logger}
}

var _ domain.HostProbe = (*Probe)(nil)

// Detect reads /etc/os-release, probes for known init-system markers
// and management binaries, and caches the result.
func (p *Probe) Detect(ctx context.Context) (domain.HostDescriptor, error) {
	osRelease := parseOSRelease("/etc/os-release")
	if len(osRelease) == 0 {
		osRelease = parseOSRelease("/usr/lib/os-release")
	}

	id := strings.ToLower(osRelease["ID"])
	idLike := strings.ToLower(osRelease["ID_LIKE"])

	d := domain.HostDescriptor{
		DistroID:       firstNonEmpty(id, "unknown"),
		DistroVersion:  firstNonEmpty(osRelease["VERSION_ID"], "unknown"),
		DistroFamily:   determineFamily(idLike, id),
		PackageManager: determinePackageManager(id),
		InitSystem:     determineInitSystem(),
	}
	d.NetworkManager = determineNetworkManager()
	d.FirewallSystem = determineFirewallSystem()

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.Kernel = info.KernelVersion
		if d.DistroVersion == "unknown" && info.PlatformVersion != "" {
			d.DistroVersion = info.PlatformVersion
		}
	} else {
		p.logger.Warn("gopsutil host.Info failed, kernel field left blank", zap.Error(err))
	}

	p.descriptor = d
	p.service = selectServiceCapability(d.InitSystem)

	p.logger.Info("host probe detected descriptor",
		zap.String("distro_id", d.DistroID),
		zap.String("distro_family", d.DistroFamily),
		zap.String("init_system", d.InitSystem),
		zap.String("firewall_system", d.FirewallSystem),
		zap.String("network_manager", d.NetworkManager),
	)

	return d, nil
}

// RestartService dispatches to the capability object selected at
// Detect time.
func (p *Probe) RestartService(ctx context.Context, name string) domain.ServiceRestartResult {
	if p.service == nil {
		p.service = noopCapability{}
	}
	cctx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	result := p.service.Restart(cctx, name)
	if result != domain.RestartOk {
		p.logger.Warn("service restart did not succeed",
			zap.String("service", name),
			zap.String("init_system", p.service.Name()),
			zap.String("result", string(result)))
	}
	return result
}

func selectServiceCapability(initSystem string) serviceCapability {
	switch initSystem {
	case "systemd":
		if bin, err := exec.LookPath("systemctl"); err == nil {
			return systemdCapability{bin: bin}
		}
	case "sysv", "upstart":
		if bin, err := exec.LookPath("service"); err == nil {
			return sysvCapability{bin: bin}
		}
	case "openrc":
		if bin, err := exec.LookPath("rc-service"); err == nil {
			return openrcCapability{bin: bin}
		}
	}
	return noopCapability{}
}

func parseOSRelease(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		info[key] = strings.Trim(value, `"'`)
	}
	return info
}

func determineFamily(idLike, id string) string {
	switch {
	case strings.Contains(idLike, "debian"), strings.Contains(idLike, "ubuntu"):
		return "debian"
	case strings.Contains(idLike, "rhel"), strings.Contains(idLike, "fedora"):
		return "rhel"
	case strings.Contains(idLike, "arch"):
		return "arch"
	case strings.Contains(idLike, "suse"):
		return "suse"
	}

	switch id {
	case "ubuntu", "debian", "mint", "elementary":
		return "debian"
	case "rhel", "centos", "fedora", "rocky", "alma":
		return "rhel"
	case "arch", "manjaro", "antergos":
		return "arch"
	case "opensuse", "sles":
		return "suse"
	case "gentoo":
		return "gentoo"
	case "alpine":
		return "alpine"
	}
	return "unknown"
}

func determinePackageManager(id string) string {
	pm := map[string]string{
		"ubuntu": "apt", "debian": "apt", "mint": "apt", "elementary": "apt",
		"rhel": "dnf", "centos": "dnf", "rocky": "dnf", "alma": "dnf", "fedora": "dnf",
		"arch": "pacman", "manjaro": "pacman", "antergos": "pacman",
		"opensuse": "zypper", "sles": "zypper",
		"gentoo": "emerge", "alpine": "apk",
	}
	if v, ok := pm[id]; ok {
		return v
	}
	for _, candidate := range []string{"apt", "dnf", "yum", "pacman", "zypper", "apk"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return "unknown"
}

func determineInitSystem() string {
	if exists("/run/systemd/system") {
		return "systemd"
	}
	if exists("/etc/init.d") {
		return "sysv"
	}
	if isDir("/etc/init") {
		return "upstart"
	}
	if exists("/etc/runlevels") {
		return "openrc"
	}
	return "systemd"
}

func determineNetworkManager() string {
	switch {
	case exists("/run/systemd/netif"):
		return "systemd-networkd"
	case binaryExists("nmcli"):
		return "NetworkManager"
	case binaryExists("netplan"):
		return "netplan"
	case exists("/etc/network/interfaces"):
		return "ifupdown"
	}
	return "unknown"
}

func determineFirewallSystem() string {
	switch {
	case binaryExists("ufw"):
		return "ufw"
	case binaryExists("firewall-cmd"):
		return "firewalld"
	case binaryExists("nft"):
		return "nftables"
	case binaryExists("iptables"):
		return "iptables"
	}
	return "unknown"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
