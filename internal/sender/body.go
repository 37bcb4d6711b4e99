package sender

// Message body builders for the common application message types.

func TextBody(content string) map[string]any {
	return map[string]any{"content": content}
}

func MarkdownBody(content string) map[string]any {
	return map[string]any{"content": content}
}

// ImageBody references media previously uploaded to the platform.
func ImageBody(mediaID string) map[string]any {
	return map[string]any{"media_id": mediaID}
}

func TextCardBody(title, description, url, buttonText string) map[string]any {
	body := map[string]any{
		"title":       title,
		"description": description,
		"url":         url,
	}
	if buttonText != "" {
		body["btntxt"] = buttonText
	}
	return body
}

// BodyFor builds the body for msgType from plain content. Only text and
// markdown carry free-form content.
func BodyFor(msgType, content string) (map[string]any, bool) {
	switch msgType {
	case "text":
		return TextBody(content), true
	case "markdown":
		return MarkdownBody(content), true
	}
	return nil, false
}
