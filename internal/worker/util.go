package worker

import "encoding/json"

func jsonUnmarshalInto(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
