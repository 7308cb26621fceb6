package agent

import "github.com/nexus-agent/corectl/pkg/models"

// artifactsToAttachments converts a tool result's artifacts into message
// attachments, carrying the reference URL when the artifact was stored
// out of band and leaving Size zero for inline-only data.
func artifactsToAttachments(produced []Artifact) []models.Attachment {
	if len(produced) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(produced))
	for _, a := range produced {
		out = append(out, models.Attachment{
			ID:       a.ID,
			Type:     a.Type,
			URL:      a.URL,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     int64(len(a.Data)),
		})
	}
	return out
}
