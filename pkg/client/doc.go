// Package client is the Go SDK for the credit risk scoring service.
//
// # Scoring a borrower
//
//	c, err := client.New("http://scoring-api:8000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Score(ctx, map[string]any{
//	    "income":        50000,
//	    "age":           34,
//	    "delinquencies": 0,
//	})
//	fmt.Println(res.Probability, res.RiskLabel) // 0.1 Low
//
// # Errors
//
// Every non-2xx response is returned as *APIError. Validation failures carry
// the offending fields:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == client.CodeInvalidFeatures {
//	    for _, f := range apiErr.Fields {
//	        fmt.Println(f.Field, f.Reason)
//	    }
//	}
//
// # Admin operations
//
// Reloading the model requires an admin token with the model:reload scope,
// issued by 'creditrisk token':
//
//	c, _ := client.New(baseURL, client.WithBearerToken(adminToken))
//	info, err := c.Reload(ctx)
package client
