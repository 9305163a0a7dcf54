// Package unifiedllm is a small provider-agnostic LLM client built on gollm
// (github.com/teilomillet/gollm).
//
// A Client routes each Request to a registered ProviderAdapter and runs it
// through a middleware chain. RetryMiddleware retries retryable provider
// errors with exponential backoff; LoggingMiddleware logs latency and token
// usage with log/slog.
//
//	adapter, err := unifiedllm.NewGollmAdapter("anthropic", unifiedllm.WithAPIKey(key))
//	if err != nil {
//	    return err
//	}
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	    Tools:    defs,
//	})
//
// # Tool calling
//
// gollm returns plain text, so the GollmAdapter asks the model to answer tool
// requests with a {"tool_calls": [...]} JSON object and parses it back into
// ToolCallData parts. Text around the JSON is kept as a text part.
//
// # Errors
//
// Provider failures are mapped onto a small taxonomy (AuthenticationError,
// RateLimitError, ServerError, ...). IsRetryable reports which of them are
// worth another attempt.
package unifiedllm
