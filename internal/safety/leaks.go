package safety

import (
	"regexp"

	"github.com/basket/go-crew/internal/shared"
)

// Leak is one secret found in a worker report. Sample is truncated.
type Leak struct {
	Kind   string
	Sample string
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`), "provider api key"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`), "github token"},
	{regexp.MustCompile(`(?s)-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----.*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?([^\s"]{8,})"?`), "password"},
}

var (
	privateKeyRe = leakPatterns[5].re
	passwordRe   = leakPatterns[6].re
)

// ScanLeaks lists secrets in text, at most three per kind.
func ScanLeaks(text string) []Leak {
	if text == "" {
		return nil
	}
	var leaks []Leak
	for _, p := range leakPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			sample := m
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			leaks = append(leaks, Leak{Kind: p.kind, Sample: sample})
		}
	}
	return leaks
}

// ScrubReport redacts secrets from a worker report before it is stored on
// the board or forwarded. The returned leaks describe what was removed.
func ScrubReport(report string) (string, []Leak) {
	leaks := ScanLeaks(report)
	if len(leaks) == 0 {
		return report, nil
	}
	out := privateKeyRe.ReplaceAllString(report, "[REDACTED PRIVATE KEY]")
	out = passwordRe.ReplaceAllString(out, "${1}=[REDACTED]")
	return shared.Redact(out), leaks
}
