package inference

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// Classifier predicts language, content type, project category, and quality.
type Classifier interface {
	Classify(ctx context.Context, req *Request, pre *Preprocessed) (*Classification, error)
}

// Tagger generates up to max tags for the artifact.
type Tagger interface {
	Tags(ctx context.Context, pre *Preprocessed, c *Classification, max int) ([]TagResult, error)
}

// Embedder produces a fixed-dimension vector for the analysis text. A nil
// vector with nil error means the backend is unavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) (types.FloatList, error)
	Dim() int
}

// --- heuristic classifier ---

// HeuristicClassifier is the in-process default backend. It scores by file
// extension and keyword frequency; confidence reflects how unambiguous the
// signal was.
type HeuristicClassifier struct{}

var extensionLanguages = map[string]string{
	"py": "python", "go": "go", "js": "javascript", "ts": "typescript",
	"jsx": "javascript", "tsx": "typescript", "rb": "ruby", "rs": "rust",
	"java": "java", "c": "c", "cpp": "cpp", "h": "c", "cs": "csharp",
	"php": "php", "sh": "shell", "sql": "sql", "html": "html", "css": "css",
	"json": "json", "yaml": "yaml", "yml": "yaml", "md": "markdown",
}

var languageKeywords = map[string][]string{
	"python":     {"def ", "import ", "self.", "print(", "elif ", "lambda "},
	"go":         {"func ", "package ", "fmt.", ":= ", "go func", "chan "},
	"javascript": {"const ", "function ", "=> ", "console.log", "require("},
	"typescript": {"interface ", ": string", ": number", "export type"},
	"java":       {"public class", "private ", "void ", "extends ", "System.out"},
	"rust":       {"fn ", "let mut", "impl ", "match ", "pub fn"},
	"sql":        {"select ", "insert into", "create table", "where "},
	"shell":      {"#!/bin", "echo ", "grep ", "export "},
}

var categoryKeywords = map[string][]string{
	"web":          {"http", "router", "endpoint", "request", "response", "html", "react", "flask", "django", "express"},
	"data-science": {"dataframe", "pandas", "numpy", "model", "train", "dataset", "plot", "tensor"},
	"cli":          {"argv", "flag", "argparse", "command", "usage:", "cobra"},
	"infra":        {"docker", "kubernetes", "terraform", "deploy", "pipeline", "ci/cd"},
	"library":      {"api", "exported", "public interface", "package", "module"},
}

func (HeuristicClassifier) Classify(ctx context.Context, req *Request, pre *Preprocessed) (*Classification, error) {
	c := &Classification{}
	lower := strings.ToLower(pre.Analysis)

	c.Language = classifyLanguage(req, lower)
	c.ContentType = classifyContentType(req.FileType, lower)
	c.ProjectCategory = classifyCategory(lower)
	c.Quality = scoreQuality(pre)
	return c, nil
}

func classifyLanguage(req *Request, lower string) Prediction {
	if req.Language != "" {
		return Prediction{Label: strings.ToLower(req.Language), Confidence: 0.99}
	}
	if lang, ok := extensionLanguages[strings.ToLower(strings.TrimPrefix(req.FileType, "."))]; ok {
		return Prediction{Label: lang, Confidence: 0.9}
	}

	type scored struct {
		lang string
		hits int
	}
	var candidates []scored
	total := 0
	for lang, keywords := range languageKeywords {
		hits := 0
		for _, kw := range keywords {
			hits += strings.Count(lower, kw)
		}
		if hits > 0 {
			candidates = append(candidates, scored{lang, hits})
			total += hits
		}
	}
	if len(candidates) == 0 {
		return Prediction{Label: "unknown", Confidence: 0.1}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hits != candidates[j].hits {
			return candidates[i].hits > candidates[j].hits
		}
		return candidates[i].lang < candidates[j].lang
	})

	top := candidates[0]
	pred := Prediction{
		Label:      top.lang,
		Confidence: clamp01(float64(top.hits) / float64(total)),
	}
	for _, alt := range candidates[1:] {
		if len(pred.Alternatives) == 3 {
			break
		}
		pred.Alternatives = append(pred.Alternatives, Alternative{
			Label:      alt.lang,
			Confidence: clamp01(float64(alt.hits) / float64(total)),
		})
	}
	return pred
}

func classifyContentType(fileType, lower string) Prediction {
	switch strings.ToLower(strings.TrimPrefix(fileType, ".")) {
	case "json", "csv", "yaml", "yml", "xml":
		return Prediction{Label: "data", Confidence: 0.9}
	case "md", "txt", "rst":
		return Prediction{Label: "document", Confidence: 0.9}
	}

	codeSignals := 0
	for _, sig := range []string{"func ", "def ", "class ", "{", "};", "import ", "return "} {
		codeSignals += strings.Count(lower, sig)
	}
	if codeSignals > 2 {
		return Prediction{Label: "code", Confidence: clamp01(0.5 + float64(codeSignals)/20)}
	}
	return Prediction{Label: "document", Confidence: 0.5}
}

func classifyCategory(lower string) Prediction {
	best, bestHits := "general", 0
	for category, keywords := range categoryKeywords {
		hits := 0
		for _, kw := range keywords {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && category < best) {
			best, bestHits = category, hits
		}
	}
	if bestHits == 0 {
		return Prediction{Label: "general", Confidence: 0.3}
	}
	return Prediction{Label: best, Confidence: clamp01(0.4 + float64(bestHits)/10)}
}

// scoreQuality blends size, structure, and documentation signals into [0,1].
func scoreQuality(pre *Preprocessed) Prediction {
	if pre.SizeBytes == 0 {
		return Prediction{Label: "empty", Confidence: 0}
	}

	score := 0.3
	if pre.Lines > 5 {
		score += 0.2
	}
	if pre.Words > 30 {
		score += 0.2
	}
	commentLines := strings.Count(pre.Content, "//") + strings.Count(pre.Content, "# ")
	if pre.Lines > 0 && float64(commentLines)/float64(pre.Lines) > 0.05 {
		score += 0.2
	}
	if pre.Lines > 0 && pre.SizeBytes/pre.Lines < 120 {
		score += 0.1
	}

	label := "low"
	switch {
	case score >= 0.7:
		label = "high"
	case score >= 0.5:
		label = "medium"
	}
	return Prediction{Label: label, Confidence: clamp01(score)}
}

// --- heuristic tagger ---

// HeuristicTagger derives tags from the classification plus framework and
// complexity signals, filtered for word-level diversity.
type HeuristicTagger struct{}

var frameworkKeywords = map[string]string{
	"react": "react", "django": "django", "flask": "flask", "express": "express",
	"pandas": "pandas", "numpy": "numpy", "pytest": "pytest", "docker": "docker",
	"kubernetes": "kubernetes", "gin.": "gin", "gorm.": "gorm", "redis": "redis",
	"postgres": "postgresql", "websocket": "websocket", "graphql": "graphql",
}

func (HeuristicTagger) Tags(ctx context.Context, pre *Preprocessed, c *Classification, max int) ([]TagResult, error) {
	lower := strings.ToLower(pre.Analysis)
	var candidates []TagResult

	if c != nil {
		if c.Language.Label != "" && c.Language.Label != "unknown" {
			candidates = append(candidates, TagResult{c.Language.Label, c.Language.Confidence, "linguistic"})
		}
		if c.ContentType.Label != "" {
			candidates = append(candidates, TagResult{c.ContentType.Label, c.ContentType.Confidence * 0.8, "concept"})
		}
		if c.ProjectCategory.Label != "" && c.ProjectCategory.Label != "general" {
			candidates = append(candidates, TagResult{c.ProjectCategory.Label, c.ProjectCategory.Confidence, "domain"})
		}
	}

	for keyword, tag := range frameworkKeywords {
		if strings.Contains(lower, keyword) {
			candidates = append(candidates, TagResult{tag, 0.7, "framework"})
		}
	}

	switch {
	case pre.Lines > 500:
		candidates = append(candidates, TagResult{"large codebase", 0.8, "complexity"})
	case pre.Lines > 100:
		candidates = append(candidates, TagResult{"multi function", 0.6, "complexity"})
	case pre.Lines > 0:
		candidates = append(candidates, TagResult{"small snippet", 0.6, "complexity"})
	}

	return diversityFilter(candidates, max), nil
}

// diversityFilter keeps the highest-confidence tag among any pair sharing a
// word, then caps the list at max.
func diversityFilter(candidates []TagResult, max int) []TagResult {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Name < candidates[j].Name
	})

	var kept []TagResult
	seenWords := make(map[string]bool)
	for _, cand := range candidates {
		words := strings.Fields(strings.ToLower(cand.Name))
		overlap := false
		for _, w := range words {
			if seenWords[w] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for _, w := range words {
			seenWords[w] = true
		}
		kept = append(kept, cand)
		if len(kept) == max {
			break
		}
	}
	return kept
}

// --- deterministic embedder ---

// HashEmbedder is the in-process embedding backend: a deterministic
// bag-of-words projection into a unit vector. Identical text always embeds
// identically, which is all the semantic-search path requires of a fallback.
type HashEmbedder struct {
	Dimension int
}

func (e HashEmbedder) Dim() int {
	if e.Dimension <= 0 {
		return 384
	}
	return e.Dimension
}

func (e HashEmbedder) Embed(ctx context.Context, text string) (types.FloatList, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil, nil
	}

	dim := e.Dim()
	vec := make(types.FloatList, dim)
	for _, word := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(word))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// CosineSimilarity scores two vectors in [-1,1]. Mismatched dimensions score
// zero.
func CosineSimilarity(a, b types.FloatList) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
