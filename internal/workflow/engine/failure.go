package engine

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
	"github.com/tunnelhq/tunnel/internal/workflow/stage"
)

var (
	failureSignatureWhitespaceRE = regexp.MustCompile(`\s+`)
	failureSignatureHexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	failureSignatureDigitsRE     = regexp.MustCompile(`\b\d+\b`)
)

// failureSignature collapses a stage failure into a stable fingerprint.
// Volatile fragments (hashes, counters, durations) are masked so the same
// underlying fault, such as a dead selector, produces the same signature on
// every recurrence.
func failureSignature(st runtime.StageName, kind stage.FailureKind, message string) string {
	reason := normalizeFailureReason(message)
	if reason == "" {
		reason = "kind=" + string(kind)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(string(st) + "|" + string(kind) + "|" + reason))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// verdictSignature fingerprints a failing validation verdict so a heal loop
// that keeps reproducing the identical diagnosis is caught by the breaker.
func verdictSignature(v *runtime.ValidationVerdict) string {
	if v == nil || v.Passed {
		return ""
	}
	reason := normalizeFailureReason(v.Diagnosis)
	if reason == "" {
		reason = "verdict=fail"
	}
	h := blake3.New()
	_, _ = h.Write([]byte("validate|verdict|" + reason))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func normalizeFailureReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return ""
	}
	reason = failureSignatureHexRE.ReplaceAllString(reason, "<hex>")
	reason = failureSignatureDigitsRE.ReplaceAllString(reason, "<n>")
	reason = failureSignatureWhitespaceRE.ReplaceAllString(reason, " ")
	reason = strings.TrimSpace(reason)
	if len(reason) > 240 {
		reason = reason[:240]
	}
	return reason
}

// signatureTracker counts identical failure recurrences across the run.
type signatureTracker struct {
	counts map[string]int
	limit  int
}

func newSignatureTracker(limit int) *signatureTracker {
	if limit < 1 {
		limit = defaultSignatureLimit
	}
	return &signatureTracker{limit: limit}
}

// observe records one occurrence and reports whether the signature has now
// hit the limit.
func (t *signatureTracker) observe(sig string) (count int, tripped bool) {
	if sig == "" {
		return 0, false
	}
	if t.counts == nil {
		t.counts = map[string]int{}
	}
	t.counts[sig]++
	return t.counts[sig], t.counts[sig] >= t.limit
}
