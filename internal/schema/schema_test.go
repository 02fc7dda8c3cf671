package schema

import "testing"

func validPayload() []byte {
	return []byte(`{
		"post": {
			"current": {
				"id": "5f8b2c1a2e3d4f5a6b7c8d9e",
				"uuid": "abc-123",
				"title": "Hello",
				"slug": "hello",
				"status": "published",
				"url": "https://blog.example.com/hello/",
				"created_at": "2024-01-01T00:00:00.000Z",
				"updated_at": "2024-01-01T00:00:00.000Z"
			}
		}
	}`)
}

func TestValidateGhostWebhook_Valid(t *testing.T) {
	payload, err := ValidateGhostWebhook(validPayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["post"] == nil {
		t.Fatal("expected post key in decoded payload")
	}
}

func TestValidateGhostWebhook_MissingRequiredField(t *testing.T) {
	raw := []byte(`{"post":{"current":{"title":"Hello"}}}`)
	_, err := ValidateGhostWebhook(raw)
	if err == nil {
		t.Fatal("expected validation error for missing required fields")
	}
}

func TestValidateGhostWebhook_MalformedJSON(t *testing.T) {
	_, err := ValidateGhostWebhook([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidateGhostWebhook_ExtraFieldsIgnored(t *testing.T) {
	raw := []byte(`{
		"post": {
			"current": {
				"id": "5f8b2c1a2e3d4f5a6b7c8d9e",
				"uuid": "abc-123",
				"title": "Hello",
				"slug": "hello",
				"status": "published",
				"url": "https://blog.example.com/hello/",
				"created_at": "2024-01-01T00:00:00.000Z",
				"updated_at": "2024-01-01T00:00:00.000Z",
				"something_unexpected": true
			}
		}
	}`)
	if _, err := ValidateGhostWebhook(raw); err != nil {
		t.Fatalf("unexpected error with extra fields: %v", err)
	}
}
