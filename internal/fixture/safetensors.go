package fixture

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/goccy/go-json"
)

type STTensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// WriteSafetensors lays tensors out in slice order.
func WriteSafetensors(path string, tensors []STTensor) error {
	header := make(map[string]any, len(tensors)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var off int64
	var body bytes.Buffer
	for _, t := range tensors {
		end := off + int64(len(t.Data))
		header[t.Name] = map[string]any{
			"dtype":        t.DType,
			"shape":        t.Shape,
			"data_offsets": []int64{off, end},
		}
		body.Write(t.Data)
		off = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(body.Bytes())
	return os.WriteFile(path, out.Bytes(), 0o644)
}
