package validate

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ScreenshotName is the browser validator's primary artifact, written
// under {specDir}/screenshots/.
const ScreenshotName = "01-initial-load.png"

// portPollCap bounds the dev-server startup wait.
const portPollCap = 120 * time.Second

// BrowserValidator starts the project's dev server, waits for its port,
// drives a headless browser against the root URL, and captures a
// screenshot plus the console stream. Navigation failing completely is
// the only Passed=false outcome; console warnings are evidence.
type BrowserValidator struct {
	Index *ProjectIndex

	// BrowserBinary is the headless browser CLI. Empty means auto-detect.
	BrowserBinary string
}

func (v *BrowserValidator) Name() string { return "browser" }

func (v *BrowserValidator) Selectable(caps Capabilities) bool {
	return caps.WebFrontend || caps.Electron || caps.Tauri
}

func (v *BrowserValidator) Run(ctx context.Context, rc *RunContext) Result {
	started := time.Now()
	if v.Index == nil || v.Index.DevServer == nil {
		return skipped(v.Name(), "no dev server in project index", started)
	}
	browser := v.BrowserBinary
	if browser == "" {
		browser = detectBrowser()
	}
	if browser == "" {
		return skipped(v.Name(), "no headless browser available", started)
	}

	ds := v.Index.DevServer
	server := exec.CommandContext(ctx, "sh", "-c", ds.Command)
	server.Dir = rc.WorkingDir
	server.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := server.Start(); err != nil {
		return skipped(v.Name(), "dev server failed to start: "+err.Error(), started)
	}
	// Every exit path kills the whole server process group.
	defer func() {
		if server.Process != nil {
			_ = syscall.Kill(-server.Process.Pid, syscall.SIGKILL)
		}
		_ = server.Wait()
	}()

	if err := pollPort(ctx, ds.Port, portPollCap); err != nil {
		return skipped(v.Name(), fmt.Sprintf("dev server port %d never opened: %v", ds.Port, err), started)
	}

	url := ds.URL
	if url == "" {
		url = "http://127.0.0.1:" + strconv.Itoa(ds.Port)
	}
	shotDir := filepath.Join(rc.SpecDir, "screenshots")
	if err := os.MkdirAll(shotDir, 0o755); err != nil {
		return skipped(v.Name(), "screenshot dir: "+err.Error(), started)
	}
	shotPath := filepath.Join(shotDir, ScreenshotName)

	args := []string{
		"--headless=new", "--disable-gpu", "--no-sandbox",
		"--screenshot=" + shotPath,
		"--window-size=1280,960",
		"--virtual-time-budget=10000",
		"--enable-logging", "--v=0",
		url,
	}
	nav := exec.CommandContext(ctx, browser, args...)
	nav.Dir = rc.WorkingDir
	out, navErr := nav.CombinedOutput()
	console := extractConsole(string(out))

	evidence := map[string]any{
		"url":     url,
		"console": console,
	}
	if _, err := os.Stat(shotPath); err == nil {
		evidence["screenshot"] = shotPath
	}

	if navErr != nil {
		if _, err := os.Stat(shotPath); err != nil {
			// Navigation completely failed and produced nothing.
			return Result{
				Name:       v.Name(),
				Passed:     false,
				Severity:   SeverityBlocker,
				Summary:    "navigation failed: " + navErr.Error(),
				Evidence:   evidence,
				DurationMs: time.Since(started).Milliseconds(),
			}
		}
	}
	return Result{
		Name:       v.Name(),
		Passed:     true,
		Summary:    fmt.Sprintf("loaded %s, %d console lines captured", url, len(console)),
		Evidence:   evidence,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// pollPort waits for a TCP listener, observing cancellation each second.
func pollPort(ctx context.Context, port int, cap time.Duration) error {
	deadline := time.Now().Add(cap)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %s", cap)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func detectBrowser() string {
	for _, candidate := range []string{"chromium", "chromium-browser", "google-chrome", "chrome"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}

// extractConsole keeps CONSOLE-tagged lines from browser stderr.
func extractConsole(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "CONSOLE") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}
