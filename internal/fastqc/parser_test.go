package fastqc

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const leftReport = `##FastQC	0.11.5
>>Basic Statistics	pass
#Measure	Value
Filename	reads_1.fastq
File type	Conventional base calls
Encoding	Sanger / Illumina 1.9
Total Sequences	100
Sequences flagged as poor quality	0
Sequence length	20-30
%GC	45.0
>>END_MODULE
>>Per base sequence quality	pass
#Base	Mean	Median	Lower Quartile	Upper Quartile	10th Percentile	90th Percentile
1	31.9	33.0	31.0	34.0	30.0	34.0
2-3	32.5	34.0	31.0	34.0	31.0	34.0
>>END_MODULE
>>Per sequence quality scores	pass
#Quality	Count
14	2.0
37	98.0
>>END_MODULE
>>Per base sequence content	pass
#Base	G	A	T	C
1	20.5	30.2	30.1	19.2
2-3	25.0	25.0	25.0	25.0
>>END_MODULE
>>Per sequence GC content	pass
#GC Content	Count
0	0.0
>>END_MODULE
`

const rightReport = `>>Basic Statistics	pass
Encoding	Illumina 1.5
Total Sequences	80
Sequence length	15-35
%GC	55.0
>>END_MODULE
>>Per base sequence quality	pass
#Base	Mean	Median	Lower Quartile	Upper Quartile	10th Percentile	90th Percentile
1	29.0	31.0	29.0	32.0	28.0	32.0
2-4	30.0	32.0	29.0	32.0	30.0	32.0
>>END_MODULE
>>Per sequence quality scores	pass
#Quality	Count
37	80.0
>>END_MODULE
`

func TestParseSingleEnd(t *testing.T) {
	q, err := Parse(strings.NewReader(leftReport))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Count != 100 || q.GC != 45.0 {
		t.Fatalf("expected count 100 gc 45.0, got %d %v", q.Count, q.GC)
	}
	if q.Encoding != "Sanger / Illumina 1.9" || q.Length != [2]int{20, 30} {
		t.Fatalf("unexpected basic stats %+v", q)
	}
	wantBases := [][]float64{
		{31, 33, 31, 34, 30, 34},
		{32, 34, 31, 34, 31, 34},
		{32, 34, 31, 34, 31, 34},
	}
	if !reflect.DeepEqual(q.Bases, wantBases) {
		t.Fatalf("unexpected bases %v", q.Bases)
	}
	if len(q.Composition) != 3 || !reflect.DeepEqual(q.Composition[0], []float64{20, 30, 30, 19}) {
		t.Fatalf("unexpected composition %v", q.Composition)
	}
	if len(q.Sequences) != QualityScores || q.Sequences[14] != 2 || q.Sequences[37] != 98 {
		t.Fatalf("unexpected sequences %v", q.Sequences)
	}
}

func TestParsePairedAggregates(t *testing.T) {
	q, err := Parse(strings.NewReader(leftReport), strings.NewReader(rightReport))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Count != 180 {
		t.Fatalf("expected summed count 180, got %d", q.Count)
	}
	if q.GC != 50.0 {
		t.Fatalf("expected mean gc 50, got %v", q.GC)
	}
	if q.Length != [2]int{15, 35} {
		t.Fatalf("expected widened length, got %v", q.Length)
	}
	if q.Encoding != "Sanger / Illumina 1.9" {
		t.Fatalf("expected first side encoding kept, got %q", q.Encoding)
	}
	if !reflect.DeepEqual(q.Bases[0], []float64{30, 32, 30, 33, 29, 33}) {
		t.Fatalf("expected averaged first position, got %v", q.Bases[0])
	}
	// Position 4 only exists on the right side.
	if len(q.Bases) != 4 || !reflect.DeepEqual(q.Bases[3], []float64{30, 32, 29, 32, 30, 32}) {
		t.Fatalf("expected extended positions, got %v", q.Bases)
	}
	if q.Sequences[37] != 178 {
		t.Fatalf("expected summed quality bucket, got %d", q.Sequences[37])
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"bad count":     "Total Sequences\tmany\n",
		"bad quality":   ">>Per sequence quality scores\tpass\n50\t1.0\n",
		"bad position":  ">>Per base sequence quality\tpass\nx\t1.0\n",
		"short row":     ">>Per sequence quality scores\tpass\n12\n",
		"bad gc":        "%GC\tfifty\n",
		"bad length":    "Sequence length\t1-z\n",
		"zero position": ">>Per base sequence content\tpass\n0\t1\t2\t3\t4\n",
	}
	for name, report := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(report)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
	mismatch := ">>Per base sequence quality\tpass\n1\t1.0\t2.0\n"
	wider := ">>Per base sequence quality\tpass\n1\t1.0\t2.0\t3.0\n"
	if _, err := Parse(strings.NewReader(mismatch), strings.NewReader(wider)); err == nil {
		t.Fatalf("expected row width error")
	}
}

func TestParseFilesToleratesMissingSecondSide(t *testing.T) {
	dir := t.TempDir()
	left := filepath.Join(dir, "fastqc_1.txt")
	if err := os.WriteFile(left, []byte(leftReport), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	q, err := ParseFiles(left, filepath.Join(dir, "fastqc_2.txt"))
	if err != nil {
		t.Fatalf("parse files: %v", err)
	}
	if q.Count != 100 || q.GC != 45.0 {
		t.Fatalf("expected single-end values, got %d %v", q.Count, q.GC)
	}
	if _, err := ParseFiles(filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatalf("expected missing first side to fail")
	}
}
