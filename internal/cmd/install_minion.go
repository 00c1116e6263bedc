package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/flo-mic/debdeploy/internal/config"
)

const minionTimerUnits = `[Unit]
Description=debdeploy restart scan

[Service]
Type=oneshot
ExecStart=/usr/bin/debdeploy-minion restarts
StandardOutput=null
` + unitSeparator + `[Unit]
Description=Periodic debdeploy restart scan

[Timer]
OnBootSec=5min
OnUnitActiveSec=1h

[Install]
WantedBy=timers.target
`

const unitSeparator = "--- timer ---\n"

// InstallMinion installs debdeploy-minion on hosts via SSH.
func InstallMinion(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("install-minion", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	hosts := fs.StringArray("host", nil, "Target host (repeatable)")
	group := fs.StringP("group", "g", "", "Install on every host of a server group")
	metricsFile := fs.String("metrics-textfile", "", "node-exporter textfile for restart metrics, enables the hourly scan timer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		return err
	}
	targets := *hosts
	if *group != "" {
		groupHosts, err := cfg.Group(*group)
		if err != nil {
			return err
		}
		targets = append(targets, groupHosts...)
	}
	if len(targets) == 0 {
		return fmt.Errorf("--host or --group is required\nUsage: debdeploy install-minion (--host <host>... | --group <group>)")
	}

	keyPath := cfg.SSH.Key
	if keyPath == "" {
		keyPath = findSSHKey()
		if keyPath == "" {
			return fmt.Errorf("no SSH key found; set ssh.key or DEBDEPLOY_SSH_KEY (tried ~/.ssh/id_ed25519 and ~/.ssh/id_rsa)")
		}
		fmt.Fprintf(stdout, "[debdeploy] Using SSH key: %s\n", keyPath)
	}
	binaryPath := findMinionBinary()
	if binaryPath == "" {
		return fmt.Errorf("debdeploy-minion binary not found next to debdeploy or in dist/")
	}

	script, err := minionSetupScript(cfg.MinionCommand, *metricsFile)
	if err != nil {
		return err
	}

	sshArgs := []string{"-i", keyPath, "-o", "BatchMode=yes", "-o", "LogLevel=ERROR"}
	sshArgs = append(sshArgs, sshOptionArgs(cfg.SSH.Options)...)

	var failed []string
	for _, host := range targets {
		target := cfg.SSH.User + "@" + host
		fmt.Fprintf(stdout, "[debdeploy] Installing minion on %s...\n", target)
		if err := scpFile(binaryPath, target+":"+cfg.MinionCommand, sshArgs, stdout); err != nil {
			fmt.Fprintf(stdout, "[debdeploy] %s: copying binary failed: %v\n", host, err)
			failed = append(failed, host)
			continue
		}
		if err := sshRun(target, script, sshArgs, stdout); err != nil {
			fmt.Fprintf(stdout, "[debdeploy] %s: setup failed: %v\n", host, err)
			failed = append(failed, host)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("installation failed on %s", strings.Join(failed, ", "))
	}
	fmt.Fprintf(stdout, "\n[debdeploy] Done! debdeploy-minion is installed on %d hosts\n", len(targets))
	return nil
}

// minionSetupScript returns the shell script run on a fresh minion. An
// existing minion.yaml is left alone.
func minionSetupScript(minionPath, metricsFile string) (string, error) {
	cfg := config.MinionConfig{
		StateDir:          "/var/lib/debdeploy",
		LogFile:           "/var/log/debdeploy.log",
		IgnorePackages:    []string{"screen", "systemd"},
		RestartHandlerDir: "/usr/lib/debdeploy",
		MetricsTextfile:   metricsFile,
	}
	minionYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("set -e\n")
	fmt.Fprintf(&sb, "chmod 0755 %s\n", minionPath)
	sb.WriteString("mkdir -p /etc/debdeploy /var/lib/debdeploy /usr/lib/debdeploy\n")
	sb.WriteString("if [ ! -e " + config.DefaultMinionPath + " ]; then\n")
	sb.WriteString("cat > " + config.DefaultMinionPath + " << 'YAMLEOF'\n")
	sb.Write(minionYAML)
	sb.WriteString("YAMLEOF\nfi\n")

	if metricsFile != "" {
		service, timer, _ := strings.Cut(minionTimerUnits, unitSeparator)
		service = strings.ReplaceAll(service, "/usr/bin/debdeploy-minion", minionPath)
		sb.WriteString("cat > /etc/systemd/system/debdeploy-scan.service << 'SVCEOF'\n" + service + "SVCEOF\n")
		sb.WriteString("cat > /etc/systemd/system/debdeploy-scan.timer << 'SVCEOF'\n" + timer + "SVCEOF\n")
		sb.WriteString("systemctl daemon-reload\n")
		sb.WriteString("systemctl enable --now debdeploy-scan.timer\n")
	}
	sb.WriteString("echo \"debdeploy-minion installed\"\n")
	return sb.String(), nil
}

func sshOptionArgs(options []string) []string {
	var args []string
	for _, opt := range options {
		args = append(args, "-o", opt)
	}
	return args
}

// findSSHKey returns the first default SSH private key found in ~/.ssh/.
func findSSHKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func findMinionBinary() string {
	exe, _ := os.Executable()
	candidates := []string{
		"dist/debdeploy-minion",
		filepath.Join(filepath.Dir(exe), "debdeploy-minion"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func scpFile(src, dst string, sshArgs []string, out io.Writer) error {
	args := append(append([]string{}, sshArgs...), src, dst)
	cmd := exec.Command("scp", args...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func sshRun(target, script string, sshArgs []string, out io.Writer) error {
	args := append(append([]string{}, sshArgs...), target, script)
	cmd := exec.Command("ssh", args...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
