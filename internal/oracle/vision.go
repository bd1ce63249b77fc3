// internal/oracle/vision.go
package oracle

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"google.golang.org/genai"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

type regionDoc struct {
	Box        []float64 `json:"box_2d"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
}

// Ground locates the described element in a screenshot. Boxes come back
// normalized to 0-1000 and are scaled to the screenshot's pixel size.
func (g *Gemini) Ground(ctx context.Context, img []byte, description string) ([]schemas.Region, error) {
	if len(img) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", schemas.ErrValidation)
	}
	dims, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable screenshot: %v", schemas.ErrValidation, err)
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(img, http.DetectContentType(img)),
		genai.NewPartFromText(groundPrompt(description)),
	}
	out, err := g.generate(ctx, g.cfg.VisionModel, groundSystem, parts, true)
	if err != nil {
		return nil, err
	}
	return parseRegions(out, dims.Width, dims.Height)
}

func parseRegions(raw string, width, height int) ([]schemas.Region, error) {
	docs, err := llmutil.ParseJSONResponse[[]regionDoc](raw)
	if err != nil {
		return nil, err
	}
	sx, sy := float64(width)/1000, float64(height)/1000
	var out []schemas.Region
	for _, d := range *docs {
		if len(d.Box) != 4 {
			continue
		}
		ymin, xmin, ymax, xmax := d.Box[0], d.Box[1], d.Box[2], d.Box[3]
		if xmax <= xmin || ymax <= ymin {
			continue
		}
		out = append(out, schemas.Region{
			Bounds: schemas.BoundingBox{
				X:      xmin * sx,
				Y:      ymin * sy,
				Width:  (xmax - xmin) * sx,
				Height: (ymax - ymin) * sy,
			},
			Confidence: clamp(d.Confidence),
			Label:      d.Label,
		})
	}
	return out, nil
}
