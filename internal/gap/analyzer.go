// Package gap decides whether a natural-language request is already
// satisfied by the capability registry. The analysis runs in staged
// order from conservative to aggressive: direct name/tag match, domain
// partitioning, action-verb/target-noun comparison within a shared
// domain, and a high-threshold fuzzy fallback. A gap is confirmed only
// when every stage fails to find coverage. Domain partitioning exists
// to stop shallow keyword overlap from claiming coverage by an
// unrelated capability.
package gap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"capforge/internal/logging"
	"capforge/internal/registry"
)

// Report is the structured outcome of gap analysis for one request.
type Report struct {
	Request            string   `json:"request"`
	Category           string   `json:"category"` // Dominant request domain
	MissingDescription string   `json:"missing_description"`
	SimilarExisting    []string `json:"similar_existing"`
	Confidence         float64  `json:"confidence"`
	GapConfirmed       bool     `json:"gap_confirmed"`

	// MatchedBy names the stage that found coverage, empty when a gap
	// was confirmed.
	MatchedBy string `json:"matched_by,omitempty"`
	// SatisfiedBy is the capability that covers the request, if any.
	SatisfiedBy string `json:"satisfied_by,omitempty"`
}

// FuzzyThreshold is the similarity the last-resort fallback must clear
// before an arbitrary descriptor is treated as covering the request.
const FuzzyThreshold = 0.95

// verbNounThreshold applies inside a shared domain, where evidence is
// already stronger, so it can afford to be looser.
const verbNounThreshold = 0.60

// Domain keyword partitions. A request and a candidate can only resolve
// each other when they share at least one domain.
var domainKeywords = map[string][]string{
	"storage":   {"file", "files", "disk", "folder", "directory", "save", "store", "database", "db", "backup", "archive"},
	"messaging": {"message", "email", "mail", "notify", "notification", "send", "slack", "sms", "chat", "alert"},
	"media":     {"image", "photo", "video", "audio", "screenshot", "picture", "sound", "camera", "record"},
	"system":    {"battery", "cpu", "memory", "ram", "process", "status", "system", "power", "uptime", "load", "percentage"},
	"network":   {"http", "url", "download", "upload", "request", "api", "fetch", "web", "ping", "dns"},
	"text":      {"text", "string", "translate", "language", "word", "document", "json", "xml", "csv", "parse", "format", "summarize"},
	"time":      {"time", "date", "clock", "timer", "schedule", "calendar", "remind", "reminder", "cron"},
}

// Action verbs grouped by intent; verbs in the same group are treated
// as equivalent when comparing request and candidate.
var verbGroups = [][]string{
	{"monitor", "check", "watch", "track", "observe", "status", "inspect", "show", "get", "read"},
	{"create", "make", "generate", "build", "add", "new", "write"},
	{"open", "launch", "start", "run", "execute"},
	{"send", "notify", "alert", "email", "message", "post"},
	{"convert", "transform", "translate", "format", "parse", "encode", "decode"},
	{"delete", "remove", "clean", "clear", "prune"},
	{"search", "find", "lookup", "query", "list"},
	{"download", "fetch", "upload", "sync"},
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Stop words excluded from target-noun comparison.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true,
	"to": true, "of": true, "for": true, "in": true, "on": true,
	"my": true, "me": true, "is": true, "it": true, "and": true,
	"please": true, "can": true, "you": true, "i": true, "with": true,
}

// Analyzer evaluates requests against the current descriptor set.
type Analyzer struct{}

// NewAnalyzer creates a gap analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze produces a gap report for the request given the currently
// deployed descriptors.
func (a *Analyzer) Analyze(request string, descs []*registry.Descriptor) *Report {
	timer := logging.StartTimer(logging.CategoryGap, "Analyze")
	defer timer.Stop()

	reqTokens := tokenize(request)
	reqDomains := classifyDomains(reqTokens)
	report := &Report{
		Request:  request,
		Category: dominantDomain(reqDomains),
	}

	logging.GapDebug("Request tokens=%v domains=%v", reqTokens, reqDomains)

	// Stage (a): direct name/tag match.
	for _, d := range descs {
		if directMatch(reqTokens, d) {
			report.MatchedBy = "direct"
			report.SatisfiedBy = d.Name
			report.Confidence = 0.95
			report.SimilarExisting = []string{d.Name}
			logging.GapInfo("Request covered by %s (direct match)", d.Name)
			return report
		}
	}

	// Stage (b)+(c): within a shared domain, compare action verb and
	// target noun. Candidates in a disjoint domain cannot resolve the
	// request at all.
	reqVerb := primaryVerbGroup(reqTokens)
	reqNouns := targetNouns(reqTokens)

	var sharedDomainCandidates []*registry.Descriptor
	for _, d := range descs {
		candTokens := descriptorTokens(d)
		candDomains := classifyDomains(candTokens)
		if !domainsIntersect(reqDomains, candDomains) {
			continue
		}
		sharedDomainCandidates = append(sharedDomainCandidates, d)

		candVerb := primaryVerbGroup(candTokens)
		candNouns := targetNouns(candTokens)

		verbMatch := reqVerb >= 0 && reqVerb == candVerb
		nounSim := tokenSimilarity(reqNouns, candNouns)
		logging.GapDebug("Candidate %s verbMatch=%v nounSim=%.2f", d.Name, verbMatch, nounSim)

		if verbMatch && nounSim >= verbNounThreshold {
			report.MatchedBy = "verb_noun"
			report.SatisfiedBy = d.Name
			report.Confidence = 0.80 + 0.15*nounSim
			report.SimilarExisting = []string{d.Name}
			logging.GapInfo("Request covered by %s (action/target overlap)", d.Name)
			return report
		}
	}

	// Stage (d): fuzzy fallback against every descriptor's name and
	// documentation tokens, accepted only above a high threshold.
	best := 0.0
	bestName := ""
	for _, d := range descs {
		sim := tokenSimilarity(reqTokens, descriptorTokens(d))
		if sim > best {
			best = sim
			bestName = d.Name
		}
		if sim >= 0.40 {
			report.SimilarExisting = append(report.SimilarExisting, d.Name)
		}
	}
	if best >= FuzzyThreshold {
		report.MatchedBy = "fuzzy"
		report.SatisfiedBy = bestName
		report.Confidence = best
		logging.GapInfo("Request covered by %s (fuzzy %.2f)", bestName, best)
		return report
	}

	// No stage matched: the gap is confirmed.
	report.GapConfirmed = true
	report.MissingDescription = missingDescription(reqVerb, reqNouns, report.Category)
	report.Confidence = gapConfidence(len(sharedDomainCandidates), best)
	sort.Strings(report.SimilarExisting)
	logging.GapInfo("Gap confirmed for %q (category=%s, confidence=%.2f)",
		request, report.Category, report.Confidence)
	return report
}

// SuggestName derives a snake_case capability name from the request's
// action verb and target nouns.
func SuggestName(report *Report) string {
	tokens := tokenize(report.Request)
	verb := ""
	if g := primaryVerbGroup(tokens); g >= 0 {
		for _, t := range tokens {
			if verbGroupOf(t) == g {
				verb = t
				break
			}
		}
	}
	nouns := targetNouns(tokens)

	parts := make([]string, 0, 3)
	if verb != "" {
		parts = append(parts, verb)
	}
	for _, n := range nouns {
		parts = append(parts, n)
		if len(parts) >= 3 {
			break
		}
	}
	if len(parts) == 0 {
		return "custom_capability"
	}
	return strings.Join(parts, "_")
}

func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

func descriptorTokens(d *registry.Descriptor) []string {
	var parts []string
	parts = append(parts, tokenize(strings.ReplaceAll(d.Name, "_", " "))...)
	for _, tag := range d.Tags {
		parts = append(parts, tokenize(tag)...)
	}
	for _, sig := range d.Signatures {
		parts = append(parts, tokenize(sig)...)
	}
	return parts
}

func classifyDomains(tokens []string) map[string]int {
	hits := make(map[string]int)
	set := toSet(tokens)
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if set[kw] {
				hits[domain]++
			}
		}
	}
	return hits
}

func dominantDomain(hits map[string]int) string {
	best, bestN := "general", 0
	// Deterministic iteration so repeated analysis yields identical reports.
	domains := make([]string, 0, len(hits))
	for d := range hits {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		if hits[d] > bestN {
			best, bestN = d, hits[d]
		}
	}
	return best
}

func domainsIntersect(a, b map[string]int) bool {
	for d := range a {
		if b[d] > 0 {
			return true
		}
	}
	return false
}

func directMatch(reqTokens []string, d *registry.Descriptor) bool {
	set := toSet(reqTokens)

	// Every token of the capability name appears in the request.
	nameTokens := tokenize(strings.ReplaceAll(d.Name, "_", " "))
	if len(nameTokens) > 0 {
		all := true
		for _, t := range nameTokens {
			if !set[t] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}

	// At least two distinct tags appear verbatim in the request.
	tagHits := 0
	for _, tag := range d.Tags {
		if set[strings.ToLower(tag)] {
			tagHits++
		}
	}
	return tagHits >= 2
}

func primaryVerbGroup(tokens []string) int {
	for _, t := range tokens {
		if g := verbGroupOf(t); g >= 0 {
			return g
		}
	}
	return -1
}

func verbGroupOf(token string) int {
	for i, group := range verbGroups {
		for _, v := range group {
			if token == v {
				return i
			}
		}
	}
	return -1
}

func targetNouns(tokens []string) []string {
	var nouns []string
	for _, t := range tokens {
		if stopWords[t] || verbGroupOf(t) >= 0 {
			continue
		}
		nouns = append(nouns, t)
	}
	return nouns
}

// tokenSimilarity is the Dice coefficient over token sets.
func tokenSimilarity(a, b []string) float64 {
	sa, sb := toSet(a), toSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	common := 0
	for t := range sa {
		if sb[t] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(sa)+len(sb))
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func missingDescription(verbGroup int, nouns []string, category string) string {
	action := "handle"
	if verbGroup >= 0 {
		action = verbGroups[verbGroup][0]
	}
	target := "the request"
	if len(nouns) > 0 {
		target = strings.Join(nouns, " ")
	}
	return fmt.Sprintf("capability to %s %s (domain: %s)", action, target, category)
}

// gapConfidence grows when nothing in the registry even shares a domain
// with the request, and shrinks as near-misses accumulate.
func gapConfidence(sharedCandidates int, bestFuzzy float64) float64 {
	conf := 0.9
	if sharedCandidates > 0 {
		conf -= 0.1
	}
	conf -= 0.5 * bestFuzzy
	if conf < 0.3 {
		conf = 0.3
	}
	return conf
}
