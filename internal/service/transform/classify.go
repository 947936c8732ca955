package transform

import (
	"path"
	"strings"

	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
)

// Kind is the closed set of attachment shapes the pipeline knows how to read.
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindTabular
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindTabular:
		return "tabular"
	default:
		return "unsupported"
	}
}

// Generic content types mail clients use when they do not know better; for
// these the file extension decides.
var genericContentTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"application/vnd.ms-excel": true,
}

var extensionKinds = map[string]Kind{
	".csv":  KindTabular,
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".bmp":  KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
}

// Classify inspects the declared content type of an attachment.
func Classify(att *mail_repo.Attachment) Kind {
	if att == nil {
		return KindUnsupported
	}

	contentType := strings.ToLower(strings.TrimSpace(att.ContentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	switch {
	case strings.Contains(contentType, "image"):
		return KindImage
	case strings.Contains(contentType, "csv"), strings.Contains(contentType, "comma-separated"):
		return KindTabular
	case genericContentTypes[contentType]:
		return extensionKinds[strings.ToLower(path.Ext(att.Name))]
	default:
		return KindUnsupported
	}
}
