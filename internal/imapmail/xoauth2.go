package imapmail

import "github.com/emersion/go-sasl"

const xoauth2Mechanism = "XOAUTH2"

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Outlook and Gmail IMAP
type xoauth2Client struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAUTH2Client(username, token string) *xoauth2Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01")
	return xoauth2Mechanism, ir, nil
}

// Next answers the JSON error challenge with an empty response so the server
// completes the exchange with a tagged NO
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
