package occupy

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/samber/lo"

	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

//go:embed occupy.py.tmpl
var occupyTemplateText string

//go:embed probe.py
var probeScript string

// ScriptPrefix starts every workload file name; KillByOwner matches on it.
const ScriptPrefix = "occupy_"

// DefaultTouchInterval is how often the workload touches its allocation.
const DefaultTouchInterval = 60 * time.Second

var occupyTemplate = template.Must(template.New("occupy").Funcs(template.FuncMap{
	"join": func(ids []int) string {
		return strings.Join(lo.Map(ids, func(id int, _ int) string { return strconv.Itoa(id) }), ", ")
	},
}).Parse(occupyTemplateText))

// ScriptParams are the typed inputs to the workload script. Values are
// rendered as Python literals, never spliced as raw text.
type ScriptParams struct {
	GPUIDs               []int
	MemoryGB             float64
	TouchIntervalSeconds int
	DurationSeconds      int
}

// RenderScript returns the workload script for p.
func RenderScript(p ScriptParams) (string, error) {
	if p.TouchIntervalSeconds <= 0 {
		p.TouchIntervalSeconds = int(DefaultTouchInterval / time.Second)
	}
	var buf bytes.Buffer
	if err := occupyTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("rendering workload script: %w", err)
	}
	return buf.String(), nil
}

// scriptName returns a unique workload file name for t.
func scriptName(t time.Time, suffix string) string {
	return fmt.Sprintf("%s%s_%s.py", ScriptPrefix, t.UTC().Format("20060102T150405Z"), suffix)
}

// Remote command builders. Every argument goes through remote.Command or
// remote.Quote.

func interpreterCheckCommand(interpreter string) string {
	return remote.Command("command", "-v", interpreter)
}

func probeCommand(interpreter string) string {
	return remote.Command(interpreter, "-c", probeScript)
}

// uploadCommand writes script to scriptPath via base64 so the content never
// passes through shell parsing.
func uploadCommand(script, scriptPath, logPath string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	return remote.And(
		remote.Command("mkdir", "-p", path.Dir(scriptPath), path.Dir(logPath)),
		remote.Command("printf", "%s", encoded)+" | "+remote.Command("base64", "-d")+" > "+remote.Quote(scriptPath),
	)
}

// launchCommand starts the workload detached from the SSH session and prints
// "<pid> <user>".
func launchCommand(interpreter, scriptPath, logPath string) string {
	return remote.Command("nohup", "setsid", interpreter, scriptPath) +
		" >> " + remote.Quote(logPath) + ` 2>&1 < /dev/null & echo "$!" "$(id -un)"`
}

// killCommand signals pid and removes its script, exiting with kill's status.
func killCommand(pid int, scriptPath string) string {
	cmds := []string{remote.Command("kill", "-TERM", strconv.Itoa(pid)), "rc=$?"}
	if scriptPath != "" {
		cmds = append(cmds, remote.Command("rm", "-f", scriptPath))
	}
	return remote.Seq(append(cmds, "exit $rc")...)
}

func removeCommand(scriptPath string) string {
	return remote.Command("rm", "-f", scriptPath)
}

// ownerKillCommand signals every workload of user. pkill exits 1 when
// nothing matched.
func ownerKillCommand(user, remoteDir string) string {
	return remote.Command("pkill", "-TERM", "-u", user, "-f", path.Join(remoteDir, ScriptPrefix))
}

// parseLaunchOutput reads "<pid> [user]" from the last non-empty line.
func parseLaunchOutput(stdout string) (pid int, owner string, err error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) == 0 {
		return 0, "", fmt.Errorf("empty launch output")
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, "", fmt.Errorf("invalid pid %q", fields[0])
	}
	if len(fields) > 1 {
		owner = fields[1]
	}
	return pid, owner, nil
}

// parseDeviceCount reads the probe's device count from its last line.
func parseDeviceCount(stdout string) (int, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	n, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid device count %q", stdout)
	}
	return n, nil
}
