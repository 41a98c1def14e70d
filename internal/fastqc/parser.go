// Package fastqc reads the fastqc_data.txt reports FastQC writes for each side
// of a read set and combines them into one sample quality document.
package fastqc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"virtool/pkg/domain"
)

// QualityScores is the number of per-sequence quality buckets kept.
const QualityScores = 50

type section int

const (
	sectionNone section = iota
	sectionBases
	sectionSequences
	sectionComposition
)

// Parser accumulates one or more report sides. Counts are summed, GC is
// averaged, lengths widen and per-position rows are averaged element-wise.
type Parser struct {
	quality domain.Quality
	sides   int
	flag    section
}

// Quality returns the combined document.
func (p *Parser) Quality() domain.Quality { return p.quality }

// Sides reports how many reports were consumed.
func (p *Parser) Sides() int { return p.sides }

// Parse reads each report in order as successive sides.
func Parse(sides ...io.Reader) (domain.Quality, error) {
	var p Parser
	for _, r := range sides {
		if err := p.ReadSide(r); err != nil {
			return domain.Quality{}, err
		}
	}
	return p.Quality(), nil
}

// ParseFiles parses the report files at paths. Every file after the first
// may be missing, which is how single-end samples present.
func ParseFiles(paths ...string) (domain.Quality, error) {
	var p Parser
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if i > 0 && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return domain.Quality{}, fmt.Errorf("open fastqc report: %w", err)
		}
		err = p.ReadSide(f)
		_ = f.Close()
		if err != nil {
			return domain.Quality{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return p.Quality(), nil
}

// ReadSide consumes one report.
func (p *Parser) ReadSide(r io.Reader) error {
	p.sides++
	p.flag = sectionNone
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := p.line(scanner.Text()); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func (p *Parser) first() bool { return p.sides == 1 }

func (p *Parser) line(line string) error {
	q := &p.quality
	switch {
	case p.flag != sectionNone && strings.Contains(line, "END_MODULE"):
		p.flag = sectionNone

	case strings.Contains(line, "Total Sequences"):
		n, err := strconv.Atoi(strings.TrimSpace(field(line)))
		if err != nil {
			return fmt.Errorf("total sequences: %w", err)
		}
		q.Count += n

	case q.Encoding == "" && strings.Contains(line, "Encoding"):
		q.Encoding = strings.TrimSpace(field(line))

	case strings.Contains(line, "Sequence length"):
		length, err := parseRange(strings.TrimSpace(field(line)))
		if err != nil {
			return fmt.Errorf("sequence length: %w", err)
		}
		if p.first() {
			q.Length = length
		} else {
			q.Length = [2]int{min(q.Length[0], length[0]), max(q.Length[1], length[1])}
		}

	case strings.Contains(line, "%GC") && !strings.Contains(line, "#"):
		gc, err := strconv.ParseFloat(strings.TrimSpace(field(line)), 64)
		if err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		if p.first() {
			q.GC = gc
		} else {
			q.GC = (q.GC + gc) / 2
		}

	case strings.Contains(line, "Per base sequence quality"):
		p.flag = sectionBases

	case strings.Contains(line, "Per sequence quality scores"):
		p.flag = sectionSequences
		if q.Sequences == nil {
			q.Sequences = make([]int, QualityScores)
		}

	case strings.Contains(line, "Per base sequence content"):
		p.flag = sectionComposition

	case (p.flag == sectionBases || p.flag == sectionComposition) && !strings.Contains(line, "#"):
		return p.positionRow(line)

	case p.flag == sectionSequences && !strings.Contains(line, "#"):
		cells := strings.Fields(line)
		if len(cells) < 2 {
			return fmt.Errorf("quality score row %q", line)
		}
		score, err := strconv.Atoi(cells[0])
		if err != nil {
			return fmt.Errorf("quality score: %w", err)
		}
		if score < 0 || score >= QualityScores {
			return fmt.Errorf("quality score %d out of range", score)
		}
		count, err := truncated(cells[1])
		if err != nil {
			return err
		}
		q.Sequences[score] += int(count)
	}
	return nil
}

func (p *Parser) positionRow(line string) error {
	cells := strings.Fields(line)
	if len(cells) < 2 {
		return fmt.Errorf("position row %q", line)
	}
	values := make([]float64, 0, len(cells)-1)
	for _, cell := range cells[1:] {
		v, err := truncated(cell)
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	span, err := parseRange(cells[0])
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if span[0] < 1 || span[1] < span[0] {
		return fmt.Errorf("position %q", cells[0])
	}

	rows := &p.quality.Bases
	if p.flag == sectionComposition {
		rows = &p.quality.Composition
	}
	for len(*rows) < span[1] {
		*rows = append(*rows, nil)
	}
	for pos := span[0]; pos <= span[1]; pos++ {
		existing := (*rows)[pos-1]
		if p.first() || existing == nil {
			(*rows)[pos-1] = append([]float64(nil), values...)
			continue
		}
		averaged, err := averageRows(existing, values)
		if err != nil {
			return fmt.Errorf("position %d: %w", pos, err)
		}
		(*rows)[pos-1] = averaged
	}
	return nil
}

// field returns the text after the first tab.
func field(line string) string {
	_, value, _ := strings.Cut(line, "\t")
	return value
}

// parseRange reads "n" as [n, n] and "a-b" as [a, b].
func parseRange(s string) ([2]int, error) {
	lo, hi, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(lo)
	if err != nil {
		return [2]int{}, err
	}
	if !found {
		return [2]int{a, a}, nil
	}
	b, err := strconv.Atoi(hi)
	if err != nil {
		return [2]int{}, err
	}
	return [2]int{a, b}, nil
}

// truncated parses the integer part of a decimal cell.
func truncated(cell string) (float64, error) {
	whole, _, _ := strings.Cut(cell, ".")
	n, err := strconv.Atoi(whole)
	if err != nil {
		return 0, fmt.Errorf("numeric cell %q: %w", cell, err)
	}
	return float64(n), nil
}

func averageRows(a, b []float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("row widths differ: %d and %d", len(a), len(b))
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out, nil
}
