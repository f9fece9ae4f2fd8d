package schemas

// ElementSchemaVersion identifies the resolved-element schema this build
// writes to the grounding cache. Bump when the shape changes so stale cache
// entries are discarded instead of misparsed.
const ElementSchemaVersion = 1

// ElementType classifies what the vision parser believes an element is.
type ElementType string

const (
	ElementText   ElementType = "text"
	ElementIcon   ElementType = "icon"
	ElementInput  ElementType = "input"
	ElementButton ElementType = "button"
	ElementImage  ElementType = "image"
)

// BBox is a normalized bounding box in [x1, y1, x2, y2] order, each component
// in the 0..1 range relative to the capture.
type BBox [4]float64

// AbsBBox is a bounding box in absolute pixels, [x1, y1, x2, y2].
type AbsBBox [4]int

// Center returns the pixel midpoint of the box.
func (b AbsBBox) Center() (int, int) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// ToAbsolute scales a normalized box to a capture of the given dimensions,
// offset by the window origin when grounding operates on a sub-region.
func (b BBox) ToAbsolute(width, height, originX, originY int) AbsBBox {
	return AbsBBox{
		originX + int(b[0]*float64(width)),
		originY + int(b[1]*float64(height)),
		originX + int(b[2]*float64(width)),
		originY + int(b[3]*float64(height)),
	}
}

// ResolvedElement is one UI element enumerated by the vision-grounding
// provider, in its converted, strictly-typed form.
type ResolvedElement struct {
	ID          int         `json:"id"`
	Type        ElementType `json:"type"`
	BBox        BBox        `json:"bbox"`
	AbsBBox     AbsBBox     `json:"abs_bbox"`
	Interactive bool        `json:"interactive"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
}
