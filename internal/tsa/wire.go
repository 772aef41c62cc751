package tsa

import (
	"encoding/asn1"
	"fmt"
	"strings"
)

// PKIStatus values from RFC 3161 section 2.4.2.
const (
	StatusGranted                = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
)

// PKIFailureInfo bit positions.
const (
	FailBadAlg              = 0
	FailBadRequest          = 2
	FailBadDataFormat       = 5
	FailTimeNotAvailable    = 14
	FailUnacceptedPolicy    = 15
	FailUnacceptedExtension = 16
	FailAddInfoNotAvailable = 17
	FailSystemFailure       = 25
)

// pkiStatusInfo carries PKIFreeText as raw elements; encoding/asn1 cannot
// tag the members of a []string as UTF8String.
type pkiStatusInfo struct {
	Status       int
	StatusString []asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString  `asn1:"optional"`
}

func freeText(texts ...string) ([]asn1.RawValue, error) {
	out := make([]asn1.RawValue, 0, len(texts))
	for _, text := range texts {
		der, err := asn1.MarshalWithParams(text, "utf8")
		if err != nil {
			return nil, err
		}
		out = append(out, asn1.RawValue{FullBytes: der})
	}
	return out, nil
}

func parseFreeText(raw []asn1.RawValue) string {
	texts := make([]string, 0, len(raw))
	for _, rv := range raw {
		var s string
		if _, err := asn1.Unmarshal(rv.FullBytes, &s); err == nil {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, "; ")
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// RejectionError is a structured refusal returned by a TSA.
type RejectionError struct {
	URL      string
	Status   int
	FailInfo []int
	Text     string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("tsa %s rejected request: status %d", e.URL, e.Status)
	if len(e.FailInfo) > 0 {
		msg += fmt.Sprintf(", failure info %v", e.FailInfo)
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

// splitResponse decodes a TimeStampResp envelope and returns the raw
// TimeStampToken, or a *RejectionError when the status is not granted.
func splitResponse(url string, der []byte) ([]byte, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedResponse)
	}

	if resp.Status.Status != StatusGranted && resp.Status.Status != StatusGrantedWithMods {
		rej := &RejectionError{
			URL:    url,
			Status: resp.Status.Status,
			Text:   parseFreeText(resp.Status.StatusString),
		}
		for i := 0; i < resp.Status.FailInfo.BitLength; i++ {
			if resp.Status.FailInfo.At(i) == 1 {
				rej.FailInfo = append(rej.FailInfo, i)
			}
		}
		return nil, rej
	}

	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted response carries no token", ErrMalformedResponse)
	}
	return resp.TimeStampToken.FullBytes, nil
}

// rejectionResponse encodes a TimeStampResp with a failure status.
func rejectionResponse(status, failBit int, text string) ([]byte, error) {
	info := pkiStatusInfo{Status: status}
	if text != "" {
		ft, err := freeText(text)
		if err != nil {
			return nil, err
		}
		info.StatusString = ft
	}
	if failBit >= 0 {
		n := failBit/8 + 1
		bits := make([]byte, n)
		bits[failBit/8] |= 0x80 >> uint(failBit%8)
		info.FailInfo = asn1.BitString{Bytes: bits, BitLength: failBit + 1}
	}
	return asn1.Marshal(struct {
		Status pkiStatusInfo
	}{info})
}
