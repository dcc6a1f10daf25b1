package output

import (
	"encoding/json"

	"github.com/jaxxstorm/echoprobe/internal/model"
)

func RenderJSON(result model.BatchResult) (string, error) {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
