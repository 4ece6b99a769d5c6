package storage

import (
	"fmt"
	"strings"

	afsurl "github.com/viant/afs/url"
)

// BucketHeader — заголовок, в котором агент получает ссылку на bucket.
const BucketHeader = "X-Tandem-Bucket"

// Bucket — ссылка на объектное хранилище, выделенное агенту.
//
// Оркестратор в bucket не читает и не пишет: ссылка только передаётся
// в окружение агента. Схема URL определяет backend (s3://, gs://, file://, mem://).
type Bucket struct {
	url string
}

// NewBucket разбирает URL bucket. Путь без схемы считается локальным (file://).
func NewBucket(rawURL string) (*Bucket, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	if afsurl.Scheme(rawURL, "") == "" {
		if !strings.HasPrefix(rawURL, "/") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
		}
		rawURL = "file://localhost" + rawURL
	}

	return &Bucket{url: strings.TrimRight(rawURL, "/")}, nil
}

// URL возвращает URL bucket.
func (b *Bucket) URL() string {
	return b.url
}

// Scheme возвращает схему хранилища (s3, gs, file, mem).
func (b *Bucket) Scheme() string {
	return afsurl.Scheme(b.url, "")
}

// Join строит URL объекта внутри bucket.
func (b *Bucket) Join(elements ...string) string {
	return afsurl.Join(b.url, elements...)
}

// Headers возвращает заголовки для вызова агента.
func (b *Bucket) Headers() map[string]string {
	return map[string]string{BucketHeader: b.url}
}
