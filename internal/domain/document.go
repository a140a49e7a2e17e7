package domain

import "time"

// Attachment is a file delivered alongside a notification message.
type Attachment struct {
	FileName string
	FileRef  string
}

// Document is a stored file linked to a business reference number.
type Document struct {
	ID              string
	ReferenceNumber string
	FileName        string
	FileRef         string
	CreatedAt       time.Time
}

func (d Document) Attachment() Attachment {
	return Attachment{FileName: d.FileName, FileRef: d.FileRef}
}
