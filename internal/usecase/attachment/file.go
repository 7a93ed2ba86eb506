package attachment

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"assistant-chat/internal/domain"
)

// FileFromPath describes a local file for upload. The MIME type comes from
// the extension, or from the first bytes when the extension is unknown.
func FileFromPath(path string) (domain.FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.FileSource{}, domain.WrapOp("FileFromPath", err)
	}
	if info.IsDir() {
		return domain.FileSource{}, domain.NewDomainError("FileFromPath", domain.ErrInvalidInput, path+" is a directory")
	}

	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		typ, err = sniff(path)
		if err != nil {
			return domain.FileSource{}, domain.WrapOp("FileFromPath", err)
		}
	}

	return domain.FileSource{
		Name: filepath.Base(path),
		Type: typ,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}
