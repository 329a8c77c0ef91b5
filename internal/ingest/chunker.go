package ingest

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"starknet-agent-kit/pkg/logger"
)

// Tokenizer 统计文本的 token 数。
type Tokenizer interface {
	Count(text string) int
}

// HeuristicTokenizer 按约 4 个字符一个 token 估算，不依赖编码表。
type HeuristicTokenizer struct{}

// Count 实现 Tokenizer。
func (HeuristicTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

var (
	defaultTokenizerOnce sync.Once
	defaultTokenizer     Tokenizer
)

// DefaultTokenizer 优先使用 cl100k_base 编码，加载失败时退回 HeuristicTokenizer。
func DefaultTokenizer() Tokenizer {
	defaultTokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.L().Warn("加载 tiktoken 编码失败，使用估算分词", slog.Any("error", err))
			defaultTokenizer = HeuristicTokenizer{}
			return
		}
		defaultTokenizer = tiktokenCounter{enc: enc}
	})
	return defaultTokenizer
}

// ChunkerConfig 以 token 为单位描述分块大小与重叠。
type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunk 是一段连续文本，行号从 1 开始。
type Chunk struct {
	Text      string `json:"text"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Tokens    int    `json:"tokens"`
}

// Chunker 按行切分文本，尽量不在行内断开。
type Chunker struct {
	size      int
	overlap   int
	tokenizer Tokenizer
}

// ChunkerOption 定制分块器。
type ChunkerOption func(*Chunker)

// WithTokenizer 指定分词器。
func WithTokenizer(t Tokenizer) ChunkerOption {
	return func(c *Chunker) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// NewChunker 创建分块器。
func NewChunker(cfg ChunkerConfig, opts ...ChunkerOption) *Chunker {
	c := &Chunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap}
	if c.size <= 0 {
		c.size = 512
	}
	if c.overlap < 0 || c.overlap >= c.size {
		c.overlap = c.size / 8
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenizer == nil {
		c.tokenizer = DefaultTokenizer()
	}
	return c
}

type chunkLine struct {
	text   string
	tokens int
	index  int
}

// Split 切分文本。空白块会被丢弃。
func (c *Chunker) Split(text string) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var (
		chunks    []Chunk
		current   []chunkLine
		curTokens int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, len(current))
		for i, l := range current {
			parts[i] = l.text
		}
		body := strings.Join(parts, "\n")
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, Chunk{
				Text:      body,
				StartLine: current[0].index + 1,
				EndLine:   current[len(current)-1].index + 1,
				Tokens:    curTokens,
			})
		}
	}

	for i, line := range lines {
		n := c.tokenizer.Count(line + "\n")
		if n > c.size {
			flush()
			current, curTokens = nil, 0
			for _, part := range c.splitLong(line, n) {
				chunks = append(chunks, Chunk{Text: part, StartLine: i + 1, EndLine: i + 1, Tokens: c.tokenizer.Count(part)})
			}
			continue
		}
		if curTokens+n > c.size && len(current) > 0 {
			flush()
			current, curTokens = c.tail(current)
			for len(current) > 0 && curTokens+n > c.size {
				curTokens -= current[0].tokens
				current = current[1:]
			}
		}
		current = append(current, chunkLine{text: line, tokens: n, index: i})
		curTokens += n
	}
	flush()
	return chunks
}

// tail 取出末尾不超过 overlap 的若干行作为下一块的开头。
func (c *Chunker) tail(lines []chunkLine) ([]chunkLine, int) {
	if c.overlap == 0 {
		return nil, 0
	}
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		if total+lines[i].tokens > c.overlap {
			break
		}
		total += lines[i].tokens
		start = i
	}
	out := make([]chunkLine, len(lines)-start)
	copy(out, lines[start:])
	return out, total
}

// splitLong 按字符比例切开超长的单行。
func (c *Chunker) splitLong(line string, tokens int) []string {
	runes := []rune(line)
	width := len(runes) * c.size / tokens
	if width <= 0 {
		width = 1
	}
	var parts []string
	for start := 0; start < len(runes); start += width {
		end := start + width
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
