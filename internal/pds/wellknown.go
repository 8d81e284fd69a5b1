package pds

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/driftpds/pds/internal/pds/db"
)

// The well-known surface is how the rest of the network discovers this
// server: did:web resolution for the service DID, handle-to-DID resolution
// for accounts on handle subdomains, and the two static OAuth metadata
// documents clients probe before attempting login.

type didDocument struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// didDocumentFor renders the host's own did:web document: just the service
// DID plus this host as its PDS endpoint.
func didDocumentFor(host *loadedHostConfig) didDocument {
	return didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      host.serviceDID,
		Service: []didService{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: "https://" + host.hostname,
			},
		},
	}
}

func (s *server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	host := hostFromContext(r.Context())
	if host == nil {
		s.internalErr(w, fmt.Errorf("host config not found in context"))
		return
	}

	s.jsonOK(w, didDocumentFor(host))
}

// handleAtprotoDid answers /.well-known/atproto-did. On the PDS hostname
// itself the answer is the service DID; on any other Host value (a per-user
// handle subdomain, or garbage) the handle index decides. 204 rather than
// 404 for a miss so handle-verification probes distinguish "not here" from
// "endpoint absent".
func (s *server) handleAtprotoDid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)
	if host == nil {
		s.internalErr(w, fmt.Errorf("host config not found in context"))
		return
	}

	reqHost := stripPort(r.Host)
	if reqHost == host.hostname {
		s.plaintextOK(w, "%s", host.serviceDID)
		return
	}

	actor, err := s.db.GetActorByHandle(ctx, reqHost)
	switch {
	case errors.Is(err, db.ErrNotFound):
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		s.internalErr(w, fmt.Errorf("failed to look up handle: %w", err))
	case actor.PdsHost != host.hostname:
		w.WriteHeader(http.StatusNoContent)
	default:
		s.plaintextOK(w, "%s", actor.Did)
	}
}

type oauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

func (s *server) handleOauthProtectedResource(w http.ResponseWriter, r *http.Request) {
	host := hostFromContext(r.Context())
	if host == nil {
		s.internalErr(w, fmt.Errorf("host config not found in context"))
		return
	}

	origin := "https://" + host.hostname
	s.jsonOK(w, oauthProtectedResource{
		Resource:               origin,
		AuthorizationServers:   []string{origin},
		ScopesSupported:        []string{},
		BearerMethodsSupported: []string{"header"},
		ResourceDocumentation:  "https://atproto.com",
	})
}

type oauthAuthorizationServer struct {
	Issuer                                             string   `json:"issuer"`
	AuthorizationEndpoint                              string   `json:"authorization_endpoint"`
	TokenEndpoint                                      string   `json:"token_endpoint"`
	RevocationEndpoint                                 string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                              string   `json:"introspection_endpoint"`
	PushedAuthorizationRequestEndpoint                 string   `json:"pushed_authorization_request_endpoint"`
	JWKSURI                                            string   `json:"jwks_uri"`
	ScopesSupported                                    []string `json:"scopes_supported"`
	SubjectTypesSupported                              []string `json:"subject_types_supported"`
	ResponseTypesSupported                             []string `json:"response_types_supported"`
	ResponseModesSupported                             []string `json:"response_modes_supported"`
	GrantTypesSupported                                []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported                      []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported                  []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported         []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpointAuthMethodsSupported             []string `json:"revocation_endpoint_auth_methods_supported"`
	RevocationEndpointAuthSigningAlgValuesSupported    []string `json:"revocation_endpoint_auth_signing_alg_values_supported"`
	IntrospectionEndpointAuthMethodsSupported          []string `json:"introspection_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthSigningAlgValuesSupported []string `json:"introspection_endpoint_auth_signing_alg_values_supported"`
	AuthorizationResponseIssParameterSupported         bool     `json:"authorization_response_iss_parameter_supported"`
	RequirePushedAuthorizationRequests                 bool     `json:"require_pushed_authorization_requests"`
	DPoPSigningAlgValuesSupported                      []string `json:"dpop_signing_alg_values_supported"`
	ClientIDMetadataDocumentSupported                  bool     `json:"client_id_metadata_document_supported"`
	RequireSignedRequestObject                         bool     `json:"require_signed_request_object"`
}

// oauthMetadataFor builds the static authorization-server metadata stub for
// one host. The endpoints it names are not implemented; the document exists
// so OAuth-capable clients can probe capabilities without a 404.
func oauthMetadataFor(host *loadedHostConfig) oauthAuthorizationServer {
	origin := "https://" + host.hostname
	oauth := func(path string) string { return origin + "/oauth/" + path }

	return oauthAuthorizationServer{
		Issuer:                             origin,
		AuthorizationEndpoint:              oauth("authorize"),
		TokenEndpoint:                      oauth("token"),
		RevocationEndpoint:                 oauth("revoke"),
		IntrospectionEndpoint:              oauth("introspect"),
		PushedAuthorizationRequestEndpoint: oauth("par"),
		JWKSURI:                            oauth("jwks"),

		ScopesSupported:               []string{"atproto", "transition:email", "transition:generic", "transition:chat.bsky"},
		SubjectTypesSupported:         []string{"public"},
		ResponseTypesSupported:        []string{"code"},
		ResponseModesSupported:        []string{"query", "fragment", "form_post"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},

		TokenEndpointAuthMethodsSupported:                  []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported:         []string{"ES256"},
		RevocationEndpointAuthMethodsSupported:             []string{"none"},
		RevocationEndpointAuthSigningAlgValuesSupported:    []string{},
		IntrospectionEndpointAuthMethodsSupported:          []string{"none"},
		IntrospectionEndpointAuthSigningAlgValuesSupported: []string{},

		AuthorizationResponseIssParameterSupported: true,
		RequirePushedAuthorizationRequests:         true,
		DPoPSigningAlgValuesSupported:              []string{"ES256"},
		ClientIDMetadataDocumentSupported:          true,
		RequireSignedRequestObject:                 false,
	}
}

func (s *server) handleOauthAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	host := hostFromContext(r.Context())
	if host == nil {
		s.internalErr(w, fmt.Errorf("host config not found in context"))
		return
	}

	s.jsonOK(w, oauthMetadataFor(host))
}
