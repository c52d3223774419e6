package viewersync

import (
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session tokens gate the channel upgrade and the mutation api.
// they limit the channel to authenticated sessions only. They are not a
// per-viewer security boundary: every connection still sees every envelope.

func NewSessionToken(sessionSecret string, viewerId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"viewer_id": viewerId.String(),
	})
	return token.SignedString([]byte(sessionSecret))
}

func ParseSessionToken(sessionSecret string, tokenStr string) (Id, error) {
	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(sessionSecret), nil
	})
	if err != nil {
		return Id{}, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("bad claims")
	}
	viewerIdStr, ok := claims["viewer_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("missing viewer_id claim")
	}
	return ParseId(viewerIdStr)
}

// claims without verification, for log and routing decisions only
func ParseSessionTokenUnverified(tokenStr string) (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims := token.Claims.(gojwt.MapClaims)
	viewerIdStr, ok := claims["viewer_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("missing viewer_id claim")
	}
	return ParseId(viewerIdStr)
}

func channelHeader(resource *ChannelResource) http.Header {
	if resource.SessionToken == "" {
		return nil
	}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", resource.SessionToken))
	return header
}
