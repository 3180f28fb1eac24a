package assist_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/omnisuite/pkg/provider/assist"
)

func TestParseEmailReport(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		reply   string
		want    *assist.EmailReport
		wantErr error
	}{
		{
			name:  "full object in prose",
			reply: "Sure!\n{\"category\":\"Urgent\",\"priority\":\"High\",\"actionItems\":[\"Reply today\"],\"draftResponse\":\"Hi\",\"sentiment\":\"Negative\",\"confidence\":70}\nThanks",
			want: &assist.EmailReport{
				Category: "Urgent", Priority: "High", ActionItems: []string{"Reply today"},
				DraftResponse: "Hi", Sentiment: "Negative", Confidence: 70,
			},
		},
		{
			name:  "defaults applied",
			reply: `{"category":"Social","priority":"Low","actionItems":[]}`,
			want: &assist.EmailReport{
				Category: "Social", Priority: "Low", ActionItems: []string{},
				Sentiment: assist.DefaultSentiment, Confidence: assist.DefaultConfidence,
			},
		},
		{
			name:  "zero confidence replaced",
			reply: `{"category":"Spam","priority":"Low","actionItems":[],"confidence":0}`,
			want: &assist.EmailReport{
				Category: "Spam", Priority: "Low", ActionItems: []string{},
				Sentiment: assist.DefaultSentiment, Confidence: assist.DefaultConfidence,
			},
		},
		{name: "no object", reply: "I cannot help", wantErr: assist.ErrInvalidResponse},
		{name: "braces reversed", reply: "} nope {", wantErr: assist.ErrInvalidResponse},
		{name: "malformed", reply: `{"category": Urgent}`, wantErr: assist.ErrMalformedResponse},
		{name: "missing priority", reply: `{"category":"Urgent","actionItems":[]}`, wantErr: assist.ErrIncompleteResponse},
		{name: "action items not a list", reply: `{"category":"Urgent","priority":"High","actionItems":"call"}`, wantErr: assist.ErrIncompleteResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := assist.ParseEmailReport(tt.reply)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v; want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Category != tt.want.Category || got.Priority != tt.want.Priority ||
				got.DraftResponse != tt.want.DraftResponse || got.Sentiment != tt.want.Sentiment ||
				got.Confidence != tt.want.Confidence || len(got.ActionItems) != len(tt.want.ActionItems) {
				t.Errorf("got %+v; want %+v", got, tt.want)
			}
			if got.ActionItems == nil {
				t.Error("ActionItems should never be nil")
			}
		})
	}
}

func TestValidateImage(t *testing.T) {
	t.Parallel()
	small := bytes.Repeat([]byte{1}, 16)
	tests := []struct {
		name string
		req  assist.ImageEditRequest
		max  int
		want error
	}{
		{name: "ok", req: assist.ImageEditRequest{Image: small, MIMEType: "image/png", Instruction: "x"}},
		{name: "upper case type", req: assist.ImageEditRequest{Image: small, MIMEType: "IMAGE/JPEG", Instruction: "x"}},
		{name: "gif", req: assist.ImageEditRequest{Image: small, MIMEType: "image/gif", Instruction: "x"}, want: assist.ErrUnsupportedImage},
		{name: "too large", req: assist.ImageEditRequest{Image: small, MIMEType: "image/webp", Instruction: "x"}, max: 8, want: assist.ErrImageTooLarge},
		{name: "empty image", req: assist.ImageEditRequest{MIMEType: "image/png", Instruction: "x"}, want: assist.ErrInvalidInput},
		{name: "blank instruction", req: assist.ImageEditRequest{Image: small, MIMEType: "image/png", Instruction: " "}, want: assist.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := assist.ValidateImage(tt.req, tt.max); !errors.Is(err, tt.want) {
				t.Errorf("err = %v; want %v", err, tt.want)
			}
		})
	}
}

func TestValidateImage_TypeCheckedBeforeSize(t *testing.T) {
	t.Parallel()
	req := assist.ImageEditRequest{Image: make([]byte, 32), MIMEType: "image/bmp", Instruction: "x"}
	if err := assist.ValidateImage(req, 8); !errors.Is(err, assist.ErrUnsupportedImage) {
		t.Errorf("err = %v; want ErrUnsupportedImage", err)
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()
	if err := assist.ValidateEmail("\n\t "); !errors.Is(err, assist.ErrInvalidInput) {
		t.Errorf("blank: err = %v", err)
	}
	if err := assist.ValidateEmail("hello"); err != nil {
		t.Errorf("hello: err = %v", err)
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	for _, err := range []error{assist.ErrInvalidInput, assist.ErrUnsupportedImage, assist.ErrImageTooLarge, assist.ErrInvalidResponse} {
		if !assist.Permanent(err) {
			t.Errorf("Permanent(%v) = false", err)
		}
	}
	for _, err := range []error{assist.ErrMalformedResponse, assist.ErrIncompleteResponse, errors.New("timeout")} {
		if assist.Permanent(err) {
			t.Errorf("Permanent(%v) = true", err)
		}
	}
}

func TestQuickActions(t *testing.T) {
	t.Parallel()
	actions := assist.QuickActions()
	if len(actions) != 6 {
		t.Fatalf("len = %d; want 6", len(actions))
	}
	seen := map[string]bool{}
	for _, a := range actions {
		if a.ID == "" || a.Label == "" || a.Prompt == "" {
			t.Errorf("incomplete action %+v", a)
		}
		if seen[a.ID] {
			t.Errorf("duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if actions[4].ID != "remove-bg" {
		t.Errorf("actions[4] = %q; want remove-bg", actions[4].ID)
	}
}
