package boardapi

import "encoding/json"

// WidgetTypeNote is the widget type the journal sync engine operates on.
const WidgetTypeNote = "sticky_note"

// Widget is a positioned element on a board. HasPosition distinguishes a
// genuine (0,0) placement from a response that omitted coordinates.
type Widget struct {
	ID          string
	Type        string
	Text        string
	X           float64
	Y           float64
	Width       float64
	Height      float64
	TagIDs      []string
	HasPosition bool
}

// WidgetCreate is the creation payload for a positioned widget.
type WidgetCreate struct {
	Type   string  `json:"type"`
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// widgetWire mirrors both widget response shapes: coordinates flat on the
// object (older API) or nested under position/geometry (newer API).
type widgetWire struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Width    *float64 `json:"width"`
	Height   *float64 `json:"height"`
	Position *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
	Geometry *struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"geometry"`
	TagIDs []string `json:"tag_ids"`
	Tags   []Tag    `json:"tags"`
}

func (w *Widget) UnmarshalJSON(data []byte) error {
	var wire widgetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	w.ID = wire.ID
	w.Type = wire.Type
	w.Text = wire.Text

	switch {
	case wire.Position != nil:
		w.X = wire.Position.X
		w.Y = wire.Position.Y
		w.HasPosition = true
	case wire.X != nil && wire.Y != nil:
		w.X = *wire.X
		w.Y = *wire.Y
		w.HasPosition = true
	}

	switch {
	case wire.Geometry != nil:
		w.Width = wire.Geometry.Width
		w.Height = wire.Geometry.Height
	case wire.Width != nil && wire.Height != nil:
		w.Width = *wire.Width
		w.Height = *wire.Height
	}

	w.TagIDs = wire.TagIDs
	if len(w.TagIDs) == 0 && len(wire.Tags) > 0 {
		w.TagIDs = make([]string, 0, len(wire.Tags))
		for _, tag := range wire.Tags {
			w.TagIDs = append(w.TagIDs, tag.ID)
		}
	}

	return nil
}
