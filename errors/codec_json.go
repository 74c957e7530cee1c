package errors

import "encoding/json"

// CodecJSON encodes error data as JSON documents. If `pretty`
// is set to `true` the output will be indented for readability.
func CodecJSON(pretty bool) Codec {
	return &jsonReportCodec{pretty: pretty}
}

type jsonReportCodec struct {
	pretty bool
}

// Unmarshal restores an error from a report produced by Marshal. Only the
// error message is restored; stamp, trace, hints, tags and events are not.
func (c *jsonReportCodec) Unmarshal(src []byte) (bool, error) {
	var data struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(src, &data); err != nil || data.Error == "" {
		return false, nil
	}
	return true, New(data.Error)
}

func (c *jsonReportCodec) Marshal(err error) ([]byte, error) {
	data := map[string]interface{}{
		"error": err.Error(),
	}
	var oe *Error
	if As(err, &oe) {
		data["stamp"] = oe.Stamp()
		data["trace"] = oe.PortableTrace()
		if hints := oe.Hints(); len(hints) > 0 {
			data["hints"] = hints
		}
		if tags := oe.Tags(); len(tags) > 0 {
			data["tags"] = tags
		}
		if ev := oe.Events(); ev != nil {
			data["events"] = ev
		}
	}
	if c.pretty {
		return json.MarshalIndent(data, "", "  ")
	}
	return json.Marshal(data)
}
