package content

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

//go:embed quotes.txt
var quotesFile string

// DefaultQuotes returns the embedded quote list. Entries are separated by
// lines holding a single '%', like fortune data files.
func DefaultQuotes() []string {
	return ParseQuotes(quotesFile)
}

// ParseQuotes splits fortune-format data into trimmed, non-empty entries.
func ParseQuotes(data string) []string {
	var quotes []string
	for _, q := range strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n%\n") {
		q = strings.TrimSpace(strings.TrimSuffix(q, "\n%"))
		if q != "" && q != "%" {
			quotes = append(quotes, q)
		}
	}
	return quotes
}

// Builtin picks a random quote and renders the cow in-process, without
// any external program.
type Builtin struct {
	Quotes []string
	Width  int

	// Intn picks an index in [0,n). rand.Intn when nil.
	Intn func(n int) int
}

func (b *Builtin) Check() error {
	if len(b.Quotes) == 0 {
		return fmt.Errorf("%w: no quotes available", ErrPrerequisiteMissing)
	}
	return nil
}

func (b *Builtin) Generate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &GenerateError{Stage: StagePick, Err: err}
	}
	if len(b.Quotes) == 0 {
		return "", &GenerateError{Stage: StagePick, Err: errors.New("no quotes available")}
	}
	intn := b.Intn
	if intn == nil {
		intn = rand.Intn
	}
	return Cowsay(b.Quotes[intn(len(b.Quotes))], b.Width), nil
}
