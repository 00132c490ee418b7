// Package x402 gates HTTP handlers behind x402 micropayments.
//
// A Gateway resolves the requested resource and its price on every request,
// then either answers 402 with a PAYMENT-REQUIRED challenge or, when the
// request carries a proof bound to the current requirement, verifies it
// through a facilitator, runs the handler, and settles.
//
// Basic usage:
//
//	gw, err := x402.NewGateway(x402.Config{
//	    Network:     x402.NetworkBaseSepolia,
//	    PayTo:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
//	    Facilitator: x402.NewHTTPFacilitator(x402.DefaultFacilitatorURL),
//	    Resolve: func(r *http.Request) (x402.Resource, error) {
//	        return x402.Resource{ID: "report", URL: r.URL.Path, Price: decimal.RequireFromString("0.01")}, nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Handle("/report", gw.Middleware(reportHandler))
//
// The downstream response is buffered until settlement succeeds; the
// settlement receipt is returned in the PAYMENT-RESPONSE header. Error
// responses from the handler are passed through and never settled.
//
// The buyer side lives here too: a Payer signs EIP-3009 authorizations and a
// Client walks the challenge, sign and retry exchange.
package x402
