package extraction

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
	"github.com/example/docverify/internal/ocr"
)

const aadhaarCard = `GOVERNMENT OF INDIA
Name: Rahul Kumar Sharma
DOB: 15/08/1985
Male
1234 5678 9012`

type stubEngine struct {
	mu     sync.Mutex
	texts  map[ocr.Layout]string
	errs   map[ocr.Layout]error
	block  bool
	called []ocr.Layout
	bounds image.Rectangle
}

func (s *stubEngine) Recognize(ctx context.Context, img image.Image, layout ocr.Layout) (string, error) {
	s.mu.Lock()
	s.called = append(s.called, layout)
	s.bounds = img.Bounds()
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := s.errs[layout]; err != nil {
		return "", err
	}
	return s.texts[layout], nil
}

func newTestExtractor(t *testing.T, engine ocr.Engine, timeout time.Duration) *Extractor {
	t.Helper()
	e, err := NewExtractor(config.DefaultPolicy(), engine, timeout, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	return e
}

func cardImage() *imaging.Image {
	img := image.NewGray(image.Rect(0, 0, 120, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			v := uint8(230)
			if y > 30 && y < 40 && x%7 < 3 {
				v = 20
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return imaging.FromImage(img)
}

func str(s string) *string { return &s }

func TestParseTextReadsLabelledCard(t *testing.T) {
	got := newTestExtractor(t, nil, 0).ParseText(aadhaarCard)

	want := &Fields{
		Name:        str("Rahul Kumar Sharma"),
		DateOfBirth: str("1985-08-15"),
		IDNumber:    str("1234 5678 9012"),
		IDType:      str("aadhaar"),
		AllIDs:      []IDMatch{{Type: "aadhaar", Number: "1234 5678 9012"}},
		RawText:     aadhaarCard,
		Confidence:  1.0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTextClassifiesDocumentNumbers(t *testing.T) {
	e := newTestExtractor(t, nil, 0)
	cases := map[string]string{
		"AB12 98765432101": "driving_license",
		"ABCDE1234F":       "pan",
		"J8369854":         "passport",
		"XYZ1234567":       "voter_id",
	}
	for text, want := range cases {
		f := e.ParseText(text)
		if f.IDType == nil || *f.IDType != want {
			t.Fatalf("%q classified as %v, want %s", text, f.IDType, want)
		}
		if f.Confidence != 0.3 {
			t.Fatalf("%q confidence %v, want 0.3", text, f.Confidence)
		}
	}
}

func TestParseTextNameFallbackSkipsHeaders(t *testing.T) {
	f := newTestExtractor(t, nil, 0).ParseText("INCOME TAX DEPARTMENT\nPRIYA SINGH\nABCDE1234F")
	if f.Name == nil || *f.Name != "PRIYA SINGH" {
		t.Fatalf("unexpected name %v", f.Name)
	}
}

func TestParseTextDateOfBirthVariants(t *testing.T) {
	e := newTestExtractor(t, nil, 0)
	cases := map[string]string{
		"Date of Birth\n07-03-1990":        "1990-03-07",
		"Issued 2015/01/20\nDOB 1979-11-02": "1979-11-02",
		"Born 3 October 1970":              "1970-10-03",
		"DOB 15081985":                     "1985-08-15",
	}
	for text, want := range cases {
		f := e.ParseText(text)
		if f.DateOfBirth == nil || *f.DateOfBirth != want {
			t.Fatalf("%q: dob %v, want %s", text, f.DateOfBirth, want)
		}
	}
}

func TestParseTextStripsArtifacts(t *testing.T) {
	f := newTestExtractor(t, nil, 0).ParseText("|| Name : ANITA   DESAI ©\n\n  ▌ABCDE1234F  ")
	if f.Name == nil || *f.Name != "ANITA DESAI" {
		t.Fatalf("unexpected name %v", f.Name)
	}
	if f.RawText != "Name : ANITA DESAI\nABCDE1234F" {
		t.Fatalf("unexpected raw text %q", f.RawText)
	}
}

func TestFilterWordsTolerateTypos(t *testing.T) {
	p := newTestExtractor(t, nil, 0).parser
	if !p.isFilterWord("Governmemt") {
		t.Fatal("expected OCR typo of a filter word to match")
	}
	if p.isFilterWord("Indra") {
		t.Fatal("short names must not fuzzily match short filter words")
	}
}

func TestExtractStopsOnceEveryFieldIsFound(t *testing.T) {
	engine := &stubEngine{texts: map[ocr.Layout]string{
		ocr.LayoutSingleBlock: "ABCDE1234F",
		ocr.LayoutAuto:        aadhaarCard,
		ocr.LayoutAutoOSD:     aadhaarCard,
	}}
	f, err := newTestExtractor(t, engine, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.Layout != ocr.LayoutAuto || f.Found() != 3 {
		t.Fatalf("expected full result from auto layout, got %+v", f)
	}
	if diff := cmp.Diff([]ocr.Layout{ocr.LayoutSingleBlock, ocr.LayoutAuto}, engine.called); diff != "" {
		t.Fatalf("unexpected attempts (-want +got):\n%s", diff)
	}
}

func TestExtractBreaksTiesByAttemptOrder(t *testing.T) {
	engine := &stubEngine{texts: map[ocr.Layout]string{
		ocr.LayoutSingleBlock: "ABCDE1234F",
		ocr.LayoutAuto:        "XYZ1234567",
		ocr.LayoutAutoOSD:     "",
	}}
	f, err := newTestExtractor(t, engine, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.Layout != ocr.LayoutSingleBlock || *f.IDType != "pan" {
		t.Fatalf("expected first attempt to win the tie, got %+v", f)
	}
	if len(engine.called) != 3 {
		t.Fatalf("expected three attempts, got %v", engine.called)
	}
}

func TestExtractSurvivesPartialFailures(t *testing.T) {
	engine := &stubEngine{
		texts: map[ocr.Layout]string{ocr.LayoutAutoOSD: aadhaarCard},
		errs: map[ocr.Layout]error{
			ocr.LayoutSingleBlock: errors.New("tesseract crashed"),
			ocr.LayoutAuto:        errors.New("tesseract crashed"),
		},
	}
	f, err := newTestExtractor(t, engine, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.Layout != ocr.LayoutAutoOSD || f.Confidence != 1 {
		t.Fatalf("unexpected result %+v", f)
	}
}

func TestExtractReturnsEmptyFieldsWhenOCRUnavailable(t *testing.T) {
	cases := map[string]*stubEngine{
		"errors": {errs: map[ocr.Layout]error{
			ocr.LayoutSingleBlock: errors.New("down"),
			ocr.LayoutAuto:        errors.New("down"),
			ocr.LayoutAutoOSD:     errors.New("down"),
		}},
		"timeouts": {block: true},
	}
	for name, engine := range cases {
		f, err := newTestExtractor(t, engine, 10*time.Millisecond).Extract(context.Background(), cardImage())
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", name, err)
		}
		want := &Fields{Flags: []string{FlagOCRUnavailable}}
		if diff := cmp.Diff(want, f); diff != "" {
			t.Fatalf("%s: fields mismatch (-want +got):\n%s", name, diff)
		}
	}

	f, err := newTestExtractor(t, nil, 0).Extract(context.Background(), cardImage())
	if err != nil || f.Confidence != 0 || f.Flags[0] != FlagOCRUnavailable {
		t.Fatalf("nil engine: %+v %v", f, err)
	}
}

func TestExtractFlagsEmptyText(t *testing.T) {
	f, err := newTestExtractor(t, &stubEngine{}, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.Found() != 0 || f.Confidence != 0 || f.Flags[0] != FlagNoText {
		t.Fatalf("unexpected result %+v", f)
	}
}

func TestExtractReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestExtractor(t, &stubEngine{block: true}, time.Second).Extract(ctx, cardImage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPreprocessUpscalesAndBinarises(t *testing.T) {
	out, err := Preprocess(context.Background(), cardImage(), config.DefaultPolicy().Extraction)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if out.Bounds().Dx() != 600 || out.Bounds().Dy() != 400 {
		t.Fatalf("unexpected size %v", out.Bounds())
	}
	for _, v := range out.Pix {
		if v != 0 && v != 255 {
			t.Fatalf("expected binary output, found %d", v)
		}
	}
}

func TestPreprocessKeepsThinImagesInsideAreaBudget(t *testing.T) {
	policy := config.DefaultPolicy().Extraction
	policy.MaxOCRPixels = 300000
	strip := image.NewGray(image.Rect(0, 0, 3000, 1))
	for x := 0; x < 3000; x++ {
		strip.SetGray(x, 0, color.Gray{Y: uint8(x % 256)})
	}

	out, err := Preprocess(context.Background(), imaging.FromImage(strip), policy)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	b := out.Bounds()
	if b.Dx()*b.Dy() > policy.MaxOCRPixels {
		t.Fatalf("preprocessed %v exceeds %d pixels", b, policy.MaxOCRPixels)
	}
	if b.Dx() <= 3000 || b.Dy() < 2 {
		t.Fatalf("expected the strip to be enlarged, got %v", b)
	}
}

func TestPreprocessShrinksOversizedImages(t *testing.T) {
	policy := config.DefaultPolicy().Extraction
	policy.UpscaleMinWidth, policy.UpscaleMinHeight, policy.MaxOCRPixels = 60, 40, 12000

	out, err := Preprocess(context.Background(), imaging.FromImage(image.NewGray(image.Rect(0, 0, 400, 300))), policy)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if b := out.Bounds(); b.Dx()*b.Dy() > 12000 {
		t.Fatalf("expected at most 12000 pixels, got %v", b)
	}
}

func TestPreprocessStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Preprocess(ctx, cardImage(), config.DefaultPolicy().Extraction); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExtractSendsBoundedImageToOCR(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Extraction.MaxOCRPixels = 300000
	engine := &stubEngine{texts: map[ocr.Layout]string{ocr.LayoutSingleBlock: aadhaarCard}}
	e, err := NewExtractor(policy, engine, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	strip := imaging.FromImage(image.NewGray(image.Rect(0, 0, 300, 1)))

	if _, err := e.Extract(context.Background(), strip); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if area := engine.bounds.Dx() * engine.bounds.Dy(); area == 0 || area > 300000 {
		t.Fatalf("ocr received %v", engine.bounds)
	}
}

func TestExtractPrefersAttemptWithTextOnEmptyTie(t *testing.T) {
	engine := &stubEngine{texts: map[ocr.Layout]string{
		ocr.LayoutSingleBlock: "@@ ## ~~",
		ocr.LayoutAuto:        "Male",
		ocr.LayoutAutoOSD:     "",
	}}
	f, err := newTestExtractor(t, engine, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.Layout != ocr.LayoutAuto || f.RawText != "Male" {
		t.Fatalf("expected the attempt with text to win, got %+v", f)
	}
	for _, flag := range f.Flags {
		if flag == FlagNoText {
			t.Fatalf("text was recognised, unexpected %s flag", FlagNoText)
		}
	}
}

func TestExtractFlagsArtifactOnlyText(t *testing.T) {
	engine := &stubEngine{texts: map[ocr.Layout]string{
		ocr.LayoutSingleBlock: "",
		ocr.LayoutAuto:        "@@ ## ~~",
		ocr.LayoutAutoOSD:     "|| ^^",
	}}
	f, err := newTestExtractor(t, engine, time.Second).Extract(context.Background(), cardImage())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f.RawText != "" || len(f.Flags) != 1 || f.Flags[0] != FlagNoText {
		t.Fatalf("expected %s for artifact-only text, got %+v", FlagNoText, f)
	}
}
