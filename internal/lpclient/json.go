package lpclient

import (
	"encoding/json"
	"fmt"
)

func decodeJSON(body []byte) (any, error) {
	var representation any

	if err := json.Unmarshal(body, &representation); err != nil {
		return nil, err
	}

	return representation, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding request body failed: %w", err)
	}

	return string(data), nil
}
