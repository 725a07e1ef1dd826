package external

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ackNoData is the acknowledgement reason code for "no matching data found".
const ackNoData = "999"

// Schema is what the payload says about itself: the root element and the
// namespace it was published under. The namespace carries a version suffix
// that changes between releases, so only the document family is matched.
type Schema struct {
	Kind      string
	Namespace string
}

// Version is the trailing "major:minor" of the namespace URN, if any.
func (s Schema) Version() string {
	parts := strings.Split(s.Namespace, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2] + ":" + parts[len(parts)-1]
}

// rawPoint is one provider value at its own resolution, before resampling
// and unit conversion.
type rawPoint struct {
	start time.Time
	step  time.Duration
	price decimal.Decimal
}

// document is the decoded, schema-independent view of a response.
type document struct {
	schema Schema
	points []rawPoint

	// ackCode and ackText are set for acknowledgement documents.
	ackCode string
	ackText string
}

func (d *document) acknowledgement() bool { return d.schema.Kind == kindAcknowledgement }

func (d *document) noData() bool { return d.acknowledgement() && d.ackCode == ackNoData }

const (
	kindPublication     = "Publication_MarketDocument"
	kindAcknowledgement = "Acknowledgement_MarketDocument"
)

type bodyDecoder func(dec *xml.Decoder, root xml.StartElement, doc *document) error

// schemas maps a root element to the decoder for its body. The namespace
// family must also match; the version part is free.
var schemas = map[string]struct {
	family string
	decode bodyDecoder
}{
	kindPublication:     {family: "publicationdocument", decode: decodePublication},
	kindAcknowledgement: {family: "acknowledgementdocument", decode: decodeAcknowledgement},
}

var errUnknownSchema = errors.New("unknown document schema")

// parseDocument reads the root element first, resolves the schema from it
// and then decodes the body with the matching field mapping.
func parseDocument(r io.Reader) (*document, error) {
	dec := xml.NewDecoder(r)

	root, err := firstElement(dec)
	if err != nil {
		return nil, err
	}

	schema := Schema{Kind: root.Name.Local, Namespace: root.Name.Space}
	entry, ok := schemas[schema.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: root <%s>", errUnknownSchema, schema.Kind)
	}
	if schema.Namespace != "" && !strings.Contains(strings.ToLower(schema.Namespace), entry.family) {
		return nil, fmt.Errorf("%w: <%s> in namespace %q", errUnknownSchema, schema.Kind, schema.Namespace)
	}

	doc := &document{schema: schema}
	if err := entry.decode(dec, root, doc); err != nil {
		return nil, fmt.Errorf("decode %s (%s): %w", schema.Kind, schema.Version(), err)
	}
	return doc, nil
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, errors.New("empty document")
			}
			return xml.StartElement{}, fmt.Errorf("read root: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// Field mappings carry no namespace so they match whatever namespace the
// root declared.

type publicationBody struct {
	TimeSeries []struct {
		Currency  string `xml:"currency_Unit.name"`
		Unit      string `xml:"price_Measure_Unit.name"`
		CurveType string `xml:"curveType"`
		Period    []struct {
			TimeInterval struct {
				Start string `xml:"start"`
				End   string `xml:"end"`
			} `xml:"timeInterval"`
			Resolution string `xml:"resolution"`
			Points     []struct {
				Position int    `xml:"position"`
				Price    string `xml:"price.amount"`
			} `xml:"Point"`
		} `xml:"Period"`
	} `xml:"TimeSeries"`
}

type acknowledgementBody struct {
	Reason []struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// curveSequentialFixed (A03) omits positions whose value repeats the
// previous one.
const curveSequentialFixed = "A03"

func decodePublication(dec *xml.Decoder, root xml.StartElement, doc *document) error {
	var body publicationBody
	if err := dec.DecodeElement(&body, &root); err != nil {
		return err
	}

	for _, ts := range body.TimeSeries {
		fill := ts.CurveType == curveSequentialFixed
		for _, p := range ts.Period {
			start, err := parseInstant(p.TimeInterval.Start)
			if err != nil {
				return fmt.Errorf("period start: %w", err)
			}
			end, err := parseInstant(p.TimeInterval.End)
			if err != nil {
				return fmt.Errorf("period end: %w", err)
			}
			step, err := parseDuration(p.Resolution)
			if err != nil {
				return fmt.Errorf("period resolution: %w", err)
			}
			slots := int(end.Sub(start) / step)

			values := make([]*decimal.Decimal, slots)
			for _, pt := range p.Points {
				if pt.Position < 1 || pt.Position > slots {
					continue
				}
				v, err := decimal.NewFromString(strings.TrimSpace(pt.Price))
				if err != nil {
					return fmt.Errorf("position %d price %q: %w", pt.Position, pt.Price, err)
				}
				values[pt.Position-1] = &v
			}

			var prev *decimal.Decimal
			for i, v := range values {
				if v == nil && fill {
					v = prev
				}
				if v == nil {
					continue
				}
				t := start.Add(time.Duration(i) * step)
				doc.points = append(doc.points, rawPoint{start: t, step: step, price: *v})
				prev = v
			}
		}
	}
	return nil
}

func decodeAcknowledgement(dec *xml.Decoder, root xml.StartElement, doc *document) error {
	var body acknowledgementBody
	if err := dec.DecodeElement(&body, &root); err != nil {
		return err
	}
	texts := make([]string, 0, len(body.Reason))
	for _, r := range body.Reason {
		code := strings.TrimSpace(r.Code)
		if doc.ackCode == "" || code == ackNoData {
			doc.ackCode = code
		}
		if t := strings.TrimSpace(r.Text); t != "" {
			texts = append(texts, t)
		}
	}
	doc.ackText = strings.Join(texts, "; ")
	return nil
}

var instantLayouts = []string{"2006-01-02T15:04Z", "2006-01-02T15:04:05Z", time.RFC3339}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?)?$`)

// parseDuration understands the day/hour/minute subset of ISO 8601
// durations used for period resolutions (PT15M, PT60M, PT1H, P1D).
func parseDuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unsupported duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	var d time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		d += time.Duration(n) * unit
	}
	if d <= 0 {
		return 0, fmt.Errorf("zero duration %q", s)
	}
	return d, nil
}
