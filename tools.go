//go:build tools

package tools

// transporttest.MockTransport is generated by an installed mockery binary
// (not via go run), so no import is needed. Run from the module root:
//
//	mockery --name Transport --dir pkg/transport --output pkg/transport/transporttest
