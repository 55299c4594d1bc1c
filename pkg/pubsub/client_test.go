package pubsub

import (
	"context"
	"testing"
)

func TestTopicResourceName(t *testing.T) {
	c := &Client{projectID: "proj"}
	cases := map[string]string{
		"ap2-audit":                       "projects/proj/topics/ap2-audit",
		" ap2-audit ":                     "projects/proj/topics/ap2-audit",
		"projects/other/topics/ap2-audit": "projects/other/topics/ap2-audit",
		"":                                "",
	}
	for in, want := range cases {
		if got := c.topicResourceName(in); got != want {
			t.Fatalf("topicResourceName(%q) = %q, want %q", in, got, want)
		}
	}

	if got := (&Client{}).topicResourceName("ap2-audit"); got != "" {
		t.Fatalf("expected empty name without project, got %q", got)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if c.Publisher("x") != nil {
		t.Fatal("nil client must not return a publisher")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping on nil client to fail")
	}
}
