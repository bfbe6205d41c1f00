package service

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/skald-systems/openai-proxy-go/internal/model"
)

// buildUploadBody decomposes an inbound multipart form into the fields the
// upstream upload operation takes (file + purpose) and re-encodes them as a
// fresh multipart body. Validation completes before any upstream call: a
// missing file part, filename, or purpose field rejects the request with
// MalformedRequestError. The purpose value forwards verbatim; the upstream
// validates it. The file bytes are held in memory exactly once (the inbound
// request is already capped by the server body limit); the outbound encoder
// streams that same buffer through a pipe.
func buildUploadBody(contentType string, body io.Reader) (io.ReadCloser, string, error) {
	if body == nil {
		return nil, "", &model.MalformedRequestError{Reason: "multipart form body is empty"}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, "", &model.MalformedRequestError{Reason: "Content-Type must be multipart/form-data"}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", &model.MalformedRequestError{Reason: "multipart form has no boundary"}
	}

	var (
		fileData []byte
		filename string
		haveFile bool
		purpose  string
	)

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", &model.MalformedRequestError{Reason: fmt.Sprintf("read multipart form: %v", err)}
		}

		switch part.FormName() {
		case "file":
			filename = part.FileName()
			if filename == "" {
				return nil, "", &model.MalformedRequestError{Reason: "file part has no filename"}
			}
			fileData, err = io.ReadAll(part)
			if err != nil {
				return nil, "", &model.MalformedRequestError{Reason: fmt.Sprintf("read file part: %v", err)}
			}
			haveFile = true
		case "purpose":
			raw, err := io.ReadAll(part)
			if err != nil {
				return nil, "", &model.MalformedRequestError{Reason: fmt.Sprintf("read purpose field: %v", err)}
			}
			purpose = strings.TrimSpace(string(raw))
		default:
			// Unknown fields are dropped; the upstream operation only
			// takes file and purpose.
			if _, err := io.Copy(io.Discard, part); err != nil {
				return nil, "", &model.MalformedRequestError{Reason: fmt.Sprintf("read multipart form: %v", err)}
			}
		}
	}

	if !haveFile {
		return nil, "", &model.MalformedRequestError{Reason: "multipart form is missing the file part"}
	}
	if purpose == "" {
		return nil, "", &model.MalformedRequestError{Reason: "multipart form is missing the purpose field"}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, purpose, filename, fileData)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType(), nil
}

func writeUploadForm(mw *multipart.Writer, purpose, filename string, data []byte) error {
	if err := mw.WriteField("purpose", purpose); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = fw.Write(data)
	return err
}
