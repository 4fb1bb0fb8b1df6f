package startable

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const postprocessStar = `
# version 30001

data_general

_rlnFinalResolution                    4.120000
_rlnBfactorUsedForSharpening         -85.300000

# version 30001

data_fsc

loop_
_rlnSpectralIndex #1
_rlnAngstromResolution #2
_rlnFourierShellCorrelationCorrected #3
0	999.000	1.000
1	24.640	0.998
2	12.320	0.950
`

func TestParseBlocks(t *testing.T) {
	doc, err := Parse(strings.NewReader(postprocessStar))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(doc.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(doc.Blocks))
	}

	general, err := doc.Block("general")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := general.Value("rlnFinalResolution"); !ok || v != "4.120000" {
		t.Errorf("final resolution = %q, %v", v, ok)
	}

	fsc, err := doc.Block("fsc")
	if err != nil {
		t.Fatal(err)
	}
	col, err := fsc.Column("_rlnFourierShellCorrelationCorrected")
	if err != nil {
		t.Fatal(err)
	}
	if col != 2 || len(fsc.Rows) != 3 {
		t.Errorf("col = %d, rows = %d", col, len(fsc.Rows))
	}
	v, err := fsc.Float(2, col)
	if err != nil || v != 0.95 {
		t.Errorf("Float(2, %d) = %g, %v", col, v, err)
	}

	if _, err := fsc.Column("rlnClassNumber"); !errors.Is(err, ErrColumnNotFound) {
		t.Errorf("missing column error = %v", err)
	}
	if _, err := doc.Block("particles"); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("missing block error = %v", err)
	}
}

func TestParseRejectsRaggedRows(t *testing.T) {
	bad := "data_p\nloop_\n_a #1\n_b #2\n1 2\n3\n"
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Error("Parse should reject a row with missing fields")
	}
}

func TestQuotedFields(t *testing.T) {
	got := splitFields(`TS_01 "two words" 3`)
	if len(got) != 3 || got[1] != `"two words"` {
		t.Errorf("splitFields = %q", got)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	doc, err := Parse(strings.NewReader(postprocessStar))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out", "copy.star")
	if err := doc.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	again, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var a, b bytes.Buffer
	doc.Write(&a)
	again.Write(&b)
	if a.String() != b.String() {
		t.Errorf("round trip changed document:\n%s\nvs\n%s", a.String(), b.String())
	}
}
