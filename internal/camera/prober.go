package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/camerakit/camera-daemon/internal/logging"
)

// V4L2Executor runs v4l2-ctl against a device node.
type V4L2Executor struct{}

// Execute runs v4l2-ctl with the given args, returning stdout. The context
// deadline bounds the whole invocation; a killed process surfaces as
// context.DeadlineExceeded.
func (e *V4L2Executor) Execute(ctx context.Context, devicePath string, args ...string) (string, error) {
	cmdArgs := append([]string{"--device", devicePath}, args...)
	cmd := exec.CommandContext(ctx, "v4l2-ctl", cmdArgs...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if stderr != "" {
				return "", fmt.Errorf("v4l2-ctl: %s", stderr)
			}
			return "", fmt.Errorf("v4l2-ctl exited with status %d", exitErr.ExitCode())
		}
		return "", fmt.Errorf("v4l2-ctl: %w", err)
	}
	return string(output), nil
}

// Prober produces CapabilityProbe results for device paths. It never
// returns an error: failed probes come back as structured failure probes.
type Prober struct {
	executor CommandExecutor
	timeout  time.Duration
	logger   *logging.Logger
}

// NewProber creates a prober whose every external invocation is bounded by
// timeout.
func NewProber(executor CommandExecutor, timeout time.Duration, logger *logging.Logger) *Prober {
	if logger == nil {
		logger = logging.GetLogger("camera-prober")
	}
	return &Prober{executor: executor, timeout: timeout, logger: logger}
}

const (
	probeErrTimeout = "timeout"
	probeErrProcess = "process_error"
	probeErrParse   = "parse_error"
)

// defaultFrameRates is returned when a probe on an accessible device yields
// no rates at all.
var defaultFrameRates = []string{"30", "25", "24", "15", "10", "5"}

// Probe introspects the device at devicePath. Each tool invocation is
// independently timed out; later invocations union their findings into the
// result.
func (p *Prober) Probe(ctx context.Context, devicePath string) *CapabilityProbe {
	start := time.Now()
	probe := &CapabilityProbe{
		DevicePath: devicePath,
		ProbedAt:   start,
		Diagnostics: ProbeDiagnostics{
			Attempted:     true,
			StageOutcomes: make(map[string]string),
		},
	}

	stages := []struct {
		name string
		args []string
	}{
		{"info", []string{"--info"}},
		{"formats", []string{"--list-formats-ext"}},
		{"framerates", []string{"--list-framerates"}},
	}

	var anyOutput bool
	for _, stage := range stages {
		stageCtx, cancel := context.WithTimeout(ctx, p.timeout)
		output, err := p.executor.Execute(stageCtx, devicePath, stage.args...)
		cancel()

		if err != nil {
			outcome := probeErrProcess
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = probeErrTimeout
			}
			probe.Diagnostics.StageOutcomes[stage.name] = outcome
			if probe.Diagnostics.ErrorCode == "" {
				probe.Diagnostics.ErrorCode = outcome
				probe.Diagnostics.Error = err.Error()
			}
			continue
		}

		anyOutput = true
		probe.Diagnostics.StageOutcomes[stage.name] = "ok"
		p.parseInto(probe, output)
	}

	probe.Diagnostics.ProbeDuration = time.Since(start)
	probe.Accessible = anyOutput

	if !anyOutput {
		probe.Detected = false
		return probe
	}

	if len(probe.Formats) == 0 && len(probe.Resolutions) == 0 && len(probe.FrameRates) == 0 {
		probe.Detected = false
		probe.Diagnostics.ErrorCode = probeErrParse
		probe.Diagnostics.Error = "no capabilities parsed from tool output"
		return probe
	}

	// Fallback rates only for devices we actually reached. Reporting
	// defaults for a permission-denied device would mislead clients.
	if len(probe.FrameRates) == 0 && probe.Accessible {
		probe.FrameRates = append([]string(nil), defaultFrameRates...)
		probe.Diagnostics.RatesFallback = true
	}

	probe.Detected = true
	probe.Diagnostics.ErrorCode = ""
	probe.Diagnostics.Error = ""
	return probe
}

// Device info extraction: first match wins per field.
var (
	deviceNameRe = regexp.MustCompile(`(?m)^\s*(?:Card type|Device name|Card)\s*:\s*(.+)$`)
	driverRe     = regexp.MustCompile(`(?m)^\s*(?:Driver name|Driver)\s*:\s*(.+)$`)
	formatIdxRe  = regexp.MustCompile(`\[\d+\]:\s*'([A-Z0-9]{3,8})'(?:\s*\(([^)]*)\))?`)
	formatPlain  = regexp.MustCompile(`Pixel Format:\s*'([A-Z0-9]{3,8})'`)
	sizeRe       = regexp.MustCompile(`Size:\s*Discrete\s+(\d+)x(\d+)`)
	sizeLooseRe  = regexp.MustCompile(`(\d{3,4})x(\d{3,4})`)
)

// frameRatePatterns are tried in order; every match contributes to the
// frequency count used by rate selection. Negative values are guarded by
// checking the byte preceding the number.
var frameRatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*fps\b`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*FPS\b`),
	regexp.MustCompile(`(?i)frame\s*rate[:\s]+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*Hz\b`),
	regexp.MustCompile(`@(\d+(?:\.\d+)?)\b`),
	regexp.MustCompile(`\[1/(\d+(?:\.\d+)?)\]`),
	regexp.MustCompile(`1/(\d+(?:\.\d+)?)\s*s\b`),
	regexp.MustCompile(`(?i)interval[:\s]+\[?1/(\d+(?:\.\d+)?)\]?`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*frames?\s*per\s*second`),
}

// parseInto unions findings from one invocation's output into the probe.
func (p *Prober) parseInto(probe *CapabilityProbe, output string) {
	if probe.DeviceName == "" {
		if m := deviceNameRe.FindStringSubmatch(output); m != nil {
			probe.DeviceName = strings.TrimSpace(m[1])
		}
	}
	if probe.Driver == "" {
		if m := driverRe.FindStringSubmatch(output); m != nil {
			probe.Driver = strings.TrimSpace(m[1])
		}
	}

	probe.Formats = unionFormats(probe.Formats, extractFormats(output))
	probe.Resolutions = unionResolutions(probe.Resolutions, extractResolutions(output))
	probe.FrameRates = selectFrameRates(probe.FrameRates, output)
}

func extractFormats(output string) []PixelFormat {
	var formats []PixelFormat
	for _, m := range formatIdxRe.FindAllStringSubmatch(output, -1) {
		formats = append(formats, PixelFormat{Code: m[1], Description: strings.TrimSpace(m[2])})
	}
	for _, m := range formatPlain.FindAllStringSubmatch(output, -1) {
		formats = append(formats, PixelFormat{Code: m[1]})
	}
	return formats
}

func unionFormats(existing, found []PixelFormat) []PixelFormat {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f.Code] = true
	}
	for _, f := range found {
		if !seen[f.Code] {
			existing = append(existing, f)
			seen[f.Code] = true
		}
	}
	return existing
}

// extractResolutions finds WxH pairs, preferring the explicit Discrete form
// and falling back to any 3-4 digit pair, bounded to plausible sensor sizes.
func extractResolutions(output string) []string {
	seen := make(map[string]bool)
	var resolutions []string

	add := func(wStr, hStr string) {
		w, _ := strconv.Atoi(wStr)
		h, _ := strconv.Atoi(hStr)
		if w < 160 || w > 4096 || h < 120 || h > 3072 {
			return
		}
		key := fmt.Sprintf("%dx%d", w, h)
		if !seen[key] {
			seen[key] = true
			resolutions = append(resolutions, key)
		}
	}

	for _, m := range sizeRe.FindAllStringSubmatch(output, -1) {
		add(m[1], m[2])
	}
	for _, m := range sizeLooseRe.FindAllStringSubmatch(output, -1) {
		add(m[1], m[2])
	}
	return resolutions
}

func unionResolutions(existing, found []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range found {
		if !seen[r] {
			existing = append(existing, r)
			seen[r] = true
		}
	}
	sortResolutionsDescending(existing)
	return existing
}

func sortResolutionsDescending(resolutions []string) {
	dims := func(s string) (int, int) {
		parts := strings.SplitN(s, "x", 2)
		w, _ := strconv.Atoi(parts[0])
		h, _ := strconv.Atoi(parts[1])
		return w, h
	}
	sort.SliceStable(resolutions, func(i, j int) bool {
		wi, hi := dims(resolutions[i])
		wj, hj := dims(resolutions[j])
		if wi != wj {
			return wi > wj
		}
		return hi > hj
	})
}

// normalizeFrameRate clamps to [1, 300] and renders integers bare,
// fractionals with one decimal. Returns "" for rejected values.
func normalizeFrameRate(raw string) string {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 || f > 300 {
		return ""
	}
	// Round to one decimal before the integrality check so normalization
	// is idempotent: 29.97 -> "30", not "30.0".
	f = math.Round(f*10) / 10
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%.1f", f)
}

// ratePriority buckets common rates ahead of exotic ones.
func ratePriority(rate string) int {
	switch rate {
	case "30", "25", "24":
		return 0
	case "15", "60", "10":
		return 1
	default:
		return 2
	}
}

// selectFrameRates extracts rates from output, merges them with previously
// detected ones, and orders the union by (priority, -frequency, -value).
func selectFrameRates(existing []string, output string) []string {
	freq := make(map[string]int)
	order := make([]string, 0, len(existing))
	for _, r := range existing {
		if freq[r] == 0 {
			order = append(order, r)
		}
		freq[r]++
	}

	for _, re := range frameRatePatterns {
		for _, idx := range re.FindAllStringSubmatchIndex(output, -1) {
			numStart, numEnd := idx[2], idx[3]
			if numStart < 0 {
				continue
			}
			// Negative-number guard: a minus sign directly before the
			// match start or the captured digits rejects the value.
			if idx[0] > 0 && output[idx[0]-1] == '-' {
				continue
			}
			if numStart > 0 && output[numStart-1] == '-' {
				continue
			}
			rate := normalizeFrameRate(output[numStart:numEnd])
			if rate == "" {
				continue
			}
			if freq[rate] == 0 {
				order = append(order, rate)
			}
			freq[rate]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		pi, pj := ratePriority(order[i]), ratePriority(order[j])
		if pi != pj {
			return pi < pj
		}
		if freq[order[i]] != freq[order[j]] {
			return freq[order[i]] > freq[order[j]]
		}
		vi, _ := strconv.ParseFloat(order[i], 64)
		vj, _ := strconv.ParseFloat(order[j], 64)
		return vi > vj
	})
	return order
}
