package worker

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// DefaultMaxFindings bounds the findings returned per topic.
const DefaultMaxFindings = 3

// Document is one corpus file split into paragraphs.
type Document struct {
	Name       string
	Paragraphs []string
}

// Corpus is the read-only knowledge base the Researcher searches.
type Corpus struct {
	docs []Document
}

// LoadCorpus reads every .md and .txt file of fsys, sorted by path.
func LoadCorpus(fsys fs.FS) (*Corpus, error) {
	var names []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch path.Ext(p) {
		case ".md", ".txt":
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus: %w", err)
	}
	sort.Strings(names)

	c := &Corpus{}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read corpus file %s: %w", name, err)
		}
		c.docs = append(c.docs, Document{Name: name, Paragraphs: paragraphs(string(data))})
	}
	return c, nil
}

// NewCorpus builds a corpus from in-memory documents.
func NewCorpus(docs ...Document) *Corpus {
	return &Corpus{docs: append([]Document(nil), docs...)}
}

// Len returns the number of documents.
func (c *Corpus) Len() int { return len(c.docs) }

func paragraphs(text string) []string {
	out := []string{}
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "#") && !strings.Contains(block, "\n") {
			continue
		}
		out = append(out, strings.Join(strings.Fields(block), " "))
	}
	return out
}

// Researcher answers one topic with the corpus paragraphs that mention it.
// A topic without any match is reported missing.
type Researcher struct {
	Corpus      *Corpus
	MaxFindings int
}

// Effect implements registry.Capability.
func (r Researcher) Effect() registry.Effect { return registry.EffectRead }

// Invoke implements registry.Capability.
func (r Researcher) Invoke(ctx context.Context, call registry.Call) (any, error) {
	in, ok := call.Input.(workflow.ResearchInput)
	if !ok {
		return nil, fmt.Errorf("researcher: unexpected input %T", call.Input)
	}
	if r.Corpus == nil {
		return nil, fmt.Errorf("researcher: no corpus loaded")
	}
	limit := r.MaxFindings
	if limit <= 0 {
		limit = DefaultMaxFindings
	}

	out := workflow.ResearchOutput{Findings: []workflow.Finding{}}
	for _, doc := range r.Corpus.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, para := range doc.Paragraphs {
			if len(out.Findings) >= limit {
				break
			}
			if !mentions(para, in.Topic) {
				continue
			}
			covers := []string{}
			for _, req := range in.Requirements {
				if mentions(para, req) {
					covers = append(covers, req)
				}
			}
			out.Findings = append(out.Findings, workflow.Finding{
				Topic:   in.Topic,
				Content: para,
				Source:  doc.Name,
				Covers:  covers,
			})
		}
	}
	if len(out.Findings) == 0 {
		out.Missing = []string{in.Topic}
	}
	return out, nil
}
