// Package render turns renderable features into the opaque sorted-stream
// payload consumed by the tile encoder.
package render

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wegman-software/osm2tiles-go/internal/extsort"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
	"github.com/wegman-software/osm2tiles-go/internal/wkb"
)

// Payload framing:
//
//	layer_len:u16_be ‖ layer ‖ wkb_len:u32_be ‖ wkb ‖ tags_json
//
// The geometry is little-endian WKB in web-mercator meters.

// Renderer is the default feature renderer. Safe for concurrent use; each
// Render call checks an encoder out of an internal pool.
type Renderer struct {
	encoders sync.Pool
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{
		encoders: sync.Pool{
			New: func() interface{} { return wkb.NewEncoder(1024) },
		},
	}
}

// Render emits one rendered feature per renderable: the sort key as given,
// the payload as framed above. Renderables without usable geometry emit
// nothing.
func (r *Renderer) Render(f reader.Renderable, emit reader.RenderedSink) error {
	enc := r.encoders.Get().(*wkb.Encoder)
	defer r.encoders.Put(enc)

	var geom []byte
	switch f.Kind {
	case reader.GeomPoint:
		if len(f.Points) == 0 {
			return nil
		}
		geom = enc.Point(f.Points[0])
	case reader.GeomLine:
		if len(f.Points) < 2 {
			return nil
		}
		geom = enc.LineString(f.Points)
	case reader.GeomPolygon:
		if len(f.Rings) == 0 {
			return nil
		}
		geom = enc.Polygon(f.Rings)
	case reader.GeomMultiPolygon:
		if len(f.Rings) == 0 {
			return nil
		}
		geom = enc.MultiPolygon(f.Rings)
	default:
		return fmt.Errorf("render: unknown geometry kind %d", f.Kind)
	}

	payload, err := encodePayload(f.Layer, geom, f.Attrs)
	if err != nil {
		return err
	}
	return emit(extsort.Entry{SortKey: f.SortKey, Payload: payload})
}

func encodePayload(layer string, geom []byte, attrs map[string]string) ([]byte, error) {
	if len(layer) > 0xffff {
		return nil, fmt.Errorf("render: layer name too long: %d bytes", len(layer))
	}
	tags := []byte("{}")
	if len(attrs) > 0 {
		var err error
		tags, err = json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("render: marshal attrs: %w", err)
		}
	}

	payload := make([]byte, 0, 2+len(layer)+4+len(geom)+len(tags))
	var l16 [2]byte
	binary.BigEndian.PutUint16(l16[:], uint16(len(layer)))
	payload = append(payload, l16[:]...)
	payload = append(payload, layer...)
	var l32 [4]byte
	binary.BigEndian.PutUint32(l32[:], uint32(len(geom)))
	payload = append(payload, l32[:]...)
	payload = append(payload, geom...)
	payload = append(payload, tags...)
	return payload, nil
}

// DecodePayload splits a rendered payload back into its parts; used by the
// feature dump and by tests.
func DecodePayload(payload []byte) (layer string, geom []byte, tagsJSON string, err error) {
	if len(payload) < 2 {
		return "", nil, "", fmt.Errorf("render: payload too short")
	}
	layerLen := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	if len(rest) < layerLen+4 {
		return "", nil, "", fmt.Errorf("render: payload truncated in layer")
	}
	layer = string(rest[:layerLen])
	rest = rest[layerLen:]
	geomLen := int(binary.BigEndian.Uint32(rest[0:4]))
	rest = rest[4:]
	if len(rest) < geomLen {
		return "", nil, "", fmt.Errorf("render: payload truncated in geometry")
	}
	geom = rest[:geomLen]
	tagsJSON = string(rest[geomLen:])
	return layer, geom, tagsJSON, nil
}
