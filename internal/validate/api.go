package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// APIValidator probes a running API using its OpenAPI manifest: the
// health endpoint plus one representative GET per resource. Non-2xx and
// 5xx counts are the evidence.
type APIValidator struct {
	Index *ProjectIndex

	// BaseURL overrides the dev-server URL, for tests.
	BaseURL string
}

func (v *APIValidator) Name() string { return "api" }

func (v *APIValidator) Selectable(caps Capabilities) bool { return caps.HasAPI }

func (v *APIValidator) Run(ctx context.Context, rc *RunContext) Result {
	started := time.Now()
	if v.Index == nil || v.Index.OpenAPI == "" {
		return skipped(v.Name(), "no OpenAPI manifest in project index", started)
	}
	manifest := v.Index.OpenAPI
	if !filepath.IsAbs(manifest) {
		manifest = filepath.Join(rc.WorkingDir, manifest)
	}
	paths, err := loadOpenAPIPaths(manifest)
	if err != nil {
		return skipped(v.Name(), err.Error(), started)
	}
	base := v.BaseURL
	if base == "" && v.Index.DevServer != nil {
		base = fmt.Sprintf("http://127.0.0.1:%d", v.Index.DevServer.Port)
	}
	if base == "" {
		return skipped(v.Name(), "no server address to probe", started)
	}

	probes := probeSet(paths)
	client := &http.Client{Timeout: 10 * time.Second}
	var failures, serverErrors int
	statuses := map[string]int{}
	for _, p := range probes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+p, nil)
		if err != nil {
			return skipped(v.Name(), "probe request: "+err.Error(), started)
		}
		resp, err := client.Do(req)
		if err != nil {
			statuses[p] = 0
			failures++
			continue
		}
		resp.Body.Close()
		statuses[p] = resp.StatusCode
		if resp.StatusCode >= 500 {
			serverErrors++
			failures++
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			failures++
		}
	}
	passed := serverErrors == 0
	severity := Severity("")
	if !passed {
		severity = SeverityMajor
	}
	return Result{
		Name:     v.Name(),
		Passed:   passed,
		Severity: severity,
		Summary:  fmt.Sprintf("%d probes, %d non-2xx, %d server errors", len(probes), failures, serverErrors),
		Evidence: map[string]any{
			"baseUrl":  base,
			"statuses": statuses,
		},
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// loadOpenAPIPaths extracts the path set from an OpenAPI JSON document.
func loadOpenAPIPaths(manifest string) ([]string, error) {
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("openapi manifest unreadable: %w", err)
	}
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("openapi manifest unparseable: %w", err)
	}
	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// probeSet picks the health endpoint and one parameterless GET per
// top-level resource.
func probeSet(paths []string) []string {
	out := []string{"/health"}
	seen := map[string]bool{"health": true}
	for _, p := range paths {
		if strings.Contains(p, "{") {
			continue
		}
		resource := topResource(p)
		if resource == "" || seen[resource] {
			continue
		}
		seen[resource] = true
		out = append(out, p)
	}
	return out
}

func topResource(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
