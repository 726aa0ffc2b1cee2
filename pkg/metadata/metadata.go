// Package metadata persists the fit results of one item as a YAML document:
// a flat map of scalar values plus coordinate-tagged node lists for the
// fields and curves.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"emfit/internal/models"
	"emfit/pkg/ctf"
	"emfit/pkg/ctffit"
	"emfit/pkg/curve"
	"emfit/pkg/field"
	"emfit/pkg/motion"
)

// FieldNode is one control point of a field
type FieldNode struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Z     float64 `yaml:"z" json:"z"`
	Value float64 `yaml:"value" json:"value"`
}

// FieldNodes stores a field as its grid and control points
type FieldNodes struct {
	Dims  field.Dims  `yaml:"dims,flow" json:"dims"`
	Nodes []FieldNode `yaml:"nodes" json:"nodes"`
}

// CurveNode is one knot of a curve or one profile sample
type CurveNode struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Document is the persisted state of one processed item
type Document struct {
	Name   string             `yaml:"name" json:"name"`
	Values map[string]float64 `yaml:"values" json:"values"`

	Defocus *FieldNodes `yaml:"defocus,omitempty" json:"defocus,omitempty"`
	MotionX *FieldNodes `yaml:"motionX,omitempty" json:"motionX,omitempty"`
	MotionY *FieldNodes `yaml:"motionY,omitempty" json:"motionY,omitempty"`

	Background []CurveNode `yaml:"background,omitempty" json:"background,omitempty"`
	Scale      []CurveNode `yaml:"scale,omitempty" json:"scale,omitempty"`
	Profile    []CurveNode `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// Keys of the scalar values
const (
	KeyPixelSize      = "ctf.pixelSize"
	KeyPixelSizeDelta = "ctf.pixelSizeDelta"
	KeyPixelSizeAngle = "ctf.pixelSizeAngle"
	KeyCs             = "ctf.cs"
	KeyVoltage        = "ctf.voltage"
	KeyDefocus        = "ctf.defocus"
	KeyDefocusDelta   = "ctf.defocusDelta"
	KeyDefocusAngle   = "ctf.defocusAngle"
	KeyAmplitude      = "ctf.amplitude"
	KeyBfactor        = "ctf.bfactor"
	KeyScale          = "ctf.scale"
	KeyPhaseShift     = "ctf.phaseShift"
	KeyMagnification  = "motion.magnification"
	KeyRotation       = "motion.rotation"
	KeyShear          = "motion.shear"
	KeyMotionScore    = "motion.score"
)

// New creates an empty document
func New(name string) *Document {
	return &Document{Name: name, Values: map[string]float64{}}
}

// FromField converts a field into nodes tagged with their coordinates
func FromField(f *field.Field) *FieldNodes {
	nodes := &FieldNodes{Dims: f.Dims(), Nodes: make([]FieldNode, f.Len())}
	for i := range nodes.Nodes {
		c := f.ControlCoord(i)
		nodes.Nodes[i] = FieldNode{X: c.X, Y: c.Y, Z: c.Z, Value: f.Value(i)}
	}
	return nodes
}

// Field rebuilds the field. Nodes must be in control-point order.
func (n *FieldNodes) Field() (*field.Field, error) {
	values := make([]float64, len(n.Nodes))
	for i, node := range n.Nodes {
		values[i] = node.Value
	}
	return field.New(n.Dims, values)
}

func fromPoints(points []curve.Point) []CurveNode {
	nodes := make([]CurveNode, len(points))
	for i, p := range points {
		nodes[i] = CurveNode{X: p.X, Y: p.Y}
	}
	return nodes
}

func toPoints(nodes []CurveNode) []curve.Point {
	points := make([]curve.Point, len(nodes))
	for i, n := range nodes {
		points[i] = curve.Point{X: n.X, Y: n.Y}
	}
	return points
}

// SetCTF stores the parameters, the defocus field, both curves and the profile
func (d *Document) SetCTF(res *ctffit.Result) {
	p := res.Params.Normalized()
	d.Values[KeyPixelSize] = p.PixelSize
	d.Values[KeyPixelSizeDelta] = p.PixelSizeDelta
	d.Values[KeyPixelSizeAngle] = p.PixelSizeAngle
	d.Values[KeyCs] = p.Cs
	d.Values[KeyVoltage] = p.Voltage
	d.Values[KeyDefocus] = p.Defocus
	d.Values[KeyDefocusDelta] = p.DefocusDelta
	d.Values[KeyDefocusAngle] = p.DefocusAngle
	d.Values[KeyAmplitude] = p.Amplitude
	d.Values[KeyBfactor] = p.Bfactor
	d.Values[KeyScale] = p.Scale
	d.Values[KeyPhaseShift] = p.PhaseShift

	if res.Defocus != nil {
		d.Defocus = FromField(res.Defocus)
	}
	if res.Background != nil {
		d.Background = fromPoints(res.Background.Points())
	}
	if res.Scale != nil {
		d.Scale = fromPoints(res.Scale.Points())
	}
	d.Profile = fromPoints(res.Profile)
}

// SetMotion stores both motion fields and the nuisance terms
func (d *Document) SetMotion(res *motion.Result) {
	d.MotionX = FromField(res.X)
	d.MotionY = FromField(res.Y)
	d.Values[KeyMagnification] = res.Nuisance.Magnification
	d.Values[KeyRotation] = res.Nuisance.Rotation
	d.Values[KeyShear] = res.Nuisance.Shear
	d.Values[KeyMotionScore] = res.Score
}

// CTF returns the stored parameters
func (d *Document) CTF() ctf.Parameters {
	v := d.Values
	return ctf.Parameters{
		PixelSize:      v[KeyPixelSize],
		PixelSizeDelta: v[KeyPixelSizeDelta],
		PixelSizeAngle: v[KeyPixelSizeAngle],
		Cs:             v[KeyCs],
		Voltage:        v[KeyVoltage],
		Defocus:        v[KeyDefocus],
		DefocusDelta:   v[KeyDefocusDelta],
		DefocusAngle:   v[KeyDefocusAngle],
		Amplitude:      v[KeyAmplitude],
		Bfactor:        v[KeyBfactor],
		Scale:          v[KeyScale],
		PhaseShift:     v[KeyPhaseShift],
	}.Normalized()
}

// Nuisance returns the stored motion nuisance terms
func (d *Document) Nuisance() motion.Nuisance {
	return motion.Nuisance{
		Magnification: d.Values[KeyMagnification],
		Rotation:      d.Values[KeyRotation],
		Shear:         d.Values[KeyShear],
	}
}

// Curves returns the background and scale curves; either is nil when absent
func (d *Document) Curves() (background, scale *curve.Curve) {
	if len(d.Background) > 0 {
		background = curve.New(toPoints(d.Background))
	}
	if len(d.Scale) > 0 {
		scale = curve.New(toPoints(d.Scale))
	}
	return background, scale
}

// ProfilePoints returns the background-free profile
func (d *Document) ProfilePoints() []curve.Point {
	return toPoints(d.Profile)
}

// Save writes the document to a temporary file next to path and renames it
// into place, so readers never see a partial document
func Save(doc *Document, path string) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshaling metadata: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating metadata directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temporary metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error replacing metadata file: %w", err)
	}
	return nil
}

// Load reads a document written by Save
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading metadata: %w", err)
	}
	doc := New("")
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("error parsing metadata %s: %v: %w", path, err, models.ErrUnsupportedFormat)
	}
	if doc.Values == nil {
		doc.Values = map[string]float64{}
	}
	return doc, nil
}
