package instance

import "encoding/json"

func encodeStatus(s Status) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeStatus(raw string) (Status, error) {
	var s Status
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Status{}, err
	}
	return s, nil
}
