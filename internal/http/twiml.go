package http

import (
	"encoding/xml"
	"net/http"
)

type twimlResponse struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message"`
}

// RenderTwiML builds a TwiML document with one <Message> per chunk. Chunk
// text is XML-escaped.
func RenderTwiML(chunks []string) ([]byte, error) {
	body, err := xml.Marshal(twimlResponse{Messages: chunks})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func writeTwiML(w http.ResponseWriter, status int, chunks []string) {
	doc, err := RenderTwiML(chunks)
	if err != nil {
		http.Error(w, "render twiml", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(doc)
}
