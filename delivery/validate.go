package delivery

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/teranos/studioos/errors"
)

// isrcPattern is CC-XXX-YY-NNNNN with the hyphens removed
var isrcPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}[0-9]{7}$`)

// NormalizeISRC strips hyphens and spaces and upper-cases the code
func NormalizeISRC(isrc string) string {
	r := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(r.Replace(isrc))
}

// Violation is one asset failing one platform precondition
type Violation struct {
	AssetID  string     `json:"assetId"`
	Platform PlatformID `json:"platformId"`
	Rule     string     `json:"rule"`
	Message  string     `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s on %s: %s", v.AssetID, v.Platform, v.Message)
}

// Check returns the rules asset breaks, as violations for platform
func (r Requirements) Check(platform PlatformID, a AssetRef) []Violation {
	var out []Violation
	add := func(rule, format string, args ...interface{}) {
		out = append(out, Violation{AssetID: a.ID, Platform: platform, Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	if len(r.Formats) > 0 {
		ok := false
		for _, f := range r.Formats {
			if strings.EqualFold(f, a.Format) {
				ok = true
				break
			}
		}
		if !ok {
			add("format", "format %q not accepted (accepted: %s)", a.Format, strings.Join(r.Formats, ", "))
		}
	}
	if r.MinSampleRate > 0 && a.SampleRate < r.MinSampleRate {
		add("sample_rate", "sample rate %d Hz below minimum %d Hz", a.SampleRate, r.MinSampleRate)
	}
	if r.TargetLUFS != nil {
		if dev := math.Abs(a.LoudnessLUFS - *r.TargetLUFS); dev > r.LUFSTolerance {
			add("loudness", "integrated loudness %.1f LUFS outside %.1f ±%.1f LUFS", a.LoudnessLUFS, *r.TargetLUFS, r.LUFSTolerance)
		}
	}
	if r.MaxTruePeakDBTP != nil && a.TruePeakDBTP > *r.MaxTruePeakDBTP {
		add("true_peak", "true peak %.1f dBTP above ceiling %.1f dBTP", a.TruePeakDBTP, *r.MaxTruePeakDBTP)
	}
	switch {
	case a.ISRC != "" && !isrcPattern.MatchString(NormalizeISRC(a.ISRC)):
		add("isrc", "ISRC %q is malformed", a.ISRC)
	case a.ISRC == "" && r.RequireISRC:
		add("isrc", "ISRC is required")
	}
	return out
}

// validateRequest checks the shape of a submission and every asset against
// every platform's requirements. All problems are reported together.
func validateRequest(req CreateRequest, registry *AdapterRegistry) error {
	var problems []string

	if strings.TrimSpace(req.Title) == "" {
		problems = append(problems, "title is required")
	}
	if len(req.Assets) == 0 {
		problems = append(problems, "at least one asset is required")
	}
	if len(req.PlatformIDs) == 0 {
		problems = append(problems, "at least one platform is required")
	}

	seenAssets := make(map[string]bool, len(req.Assets))
	for i, a := range req.Assets {
		switch {
		case a.ID == "":
			problems = append(problems, fmt.Sprintf("asset %d has no id", i))
		case seenAssets[a.ID]:
			problems = append(problems, fmt.Sprintf("asset %s listed twice", a.ID))
		case a.Key == "":
			problems = append(problems, fmt.Sprintf("asset %s has no object-store key", a.ID))
		}
		seenAssets[a.ID] = true
	}

	seen := make(map[PlatformID]bool, len(req.PlatformIDs))
	var platforms []PlatformConfig
	for _, p := range req.PlatformIDs {
		if seen[p] {
			problems = append(problems, fmt.Sprintf("platform %s listed twice", p))
			continue
		}
		seen[p] = true
		cfg, ok := registry.Config(p)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown platform %q (available: %v)", p, registry.Names()))
			continue
		}
		platforms = append(platforms, cfg)
	}

	if len(problems) > 0 {
		return withProblems(errors.NewInvalidRequestError("invalid delivery request"), problems)
	}

	violations := checkAssets(req.Assets, platforms)
	if len(violations) > 0 {
		problems = make([]string, len(violations))
		for i, v := range violations {
			problems[i] = v.String()
		}
		return withProblems(
			errors.NewInvalidRequestError("%d asset(s) fail platform requirements", len(violations)),
			problems)
	}
	return nil
}

func checkAssets(assets []AssetRef, platforms []PlatformConfig) []Violation {
	var out []Violation
	for _, a := range assets {
		for _, p := range platforms {
			out = append(out, p.Requirements.Check(p.ID, a)...)
		}
	}
	return out
}

// withProblems attaches each problem as a hint
func withProblems(err error, problems []string) error {
	for _, p := range problems {
		err = errors.WithHint(err, p)
	}
	return err
}
