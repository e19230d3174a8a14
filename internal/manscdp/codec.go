package manscdp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const xmlDecl = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// ContentType is the SIP Content-Type for MANSCDP bodies.
const ContentType = "Application/MANSCDP+xml"

// Encode marshals a command document with the UTF-8 XML declaration.
func Encode(v interface{}) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manscdp body: %w", err)
	}
	out := make([]byte, 0, len(xmlDecl)+len(body)+1)
	out = append(out, xmlDecl...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// Decode unmarshals a command document. Platforms in the field declare
// GB2312 as often as UTF-8, so both are accepted (GB18030 is a superset
// of GB2312/GBK and covers all of them).
func Decode(data []byte, v interface{}) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "utf-8", "utf8":
			return input, nil
		case "gb2312", "gbk", "gb18030":
			return transform.NewReader(input, simplifiedchinese.GB18030.NewDecoder()), nil
		default:
			return nil, fmt.Errorf("unsupported xml charset %q", charset)
		}
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode manscdp body: %w", err)
	}
	return nil
}

// DecodeEnvelope sniffs the root tag, CmdType and addressing of an inbound
// document without committing to a full schema.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := Decode(data, &env); err != nil {
		return nil, err
	}
	if env.CmdType == "" {
		return nil, fmt.Errorf("manscdp body has no CmdType")
	}
	return &env, nil
}
