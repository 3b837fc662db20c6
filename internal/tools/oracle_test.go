package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestOracleSuccess(t *testing.T) {
	tool := NewOracleTool(func(ctx context.Context, query string) (string, error) {
		if query != "what is X" {
			t.Errorf("query = %q", query)
		}
		return "X is Y", nil
	})

	res, err := tool.Execute(context.Background(), "c", map[string]interface{}{"query": "what is X"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != "X is Y" {
		t.Errorf("result = %+v", res)
	}
}

func TestOracleIterationExhaustion(t *testing.T) {
	tool := NewOracleTool(func(ctx context.Context, query string) (string, error) {
		return "", errors.New("run hit the iteration cap (5)")
	})
	res, err := tool.Execute(context.Background(), "c", map[string]interface{}{"query": "q"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "exhausted") {
		t.Errorf("result = %+v, want polite exhaustion message", res)
	}
}

func TestOracleOtherErrors(t *testing.T) {
	tool := NewOracleTool(func(ctx context.Context, query string) (string, error) {
		return "", errors.New("provider exploded")
	})
	res, err := tool.Execute(context.Background(), "c", map[string]interface{}{"query": "q"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.HasPrefix(res.Content, "Oracle error:") {
		t.Errorf("result = %+v", res)
	}
}
