package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ihegateway/internal/config"
	"github.com/ehr/ihegateway/internal/gateway/dq"
	"github.com/ehr/ihegateway/internal/gateway/dr"
	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/outcome"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/gateway/xcpd"
)

// outbound is what every initiating command needs: who we are and how to
// reach the peer.
type outbound struct {
	cfg    *config.Config
	logger zerolog.Logger
	me     security.Requester
	client *soap.Client
}

func newOutbound() (*outbound, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	me, err := newRequester(cfg)
	if err != nil {
		return nil, err
	}
	return &outbound{cfg: cfg, logger: logger, me: me, client: newSOAPClient(cfg, logger)}, nil
}

func (o *outbound) send(ctx context.Context, req soap.Request) soap.Result {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OutboundTimeout)
	defer cancel()
	o.logger.Info().Str("action", req.Action).Str("message_id", req.MessageID).Str("url", req.URL).Msg("sending request")
	return o.client.Send(ctx, req)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type gatewayFlags struct {
	oid, url, homeCommunityID string
	omitURNPrefix             bool
	patientID                 string
	purposeOfUse, grantor     string
}

func (f *gatewayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.oid, "gateway-oid", "", "OID of the remote gateway")
	cmd.Flags().StringVar(&f.url, "url", "", "Endpoint URL of the remote gateway")
	cmd.Flags().StringVar(&f.homeCommunityID, "home-community-id", "", "Home community of the remote gateway (defaults to its OID)")
	cmd.Flags().BoolVar(&f.omitURNPrefix, "omit-urn-prefix", false, "Send unprefixed HL7 element names")
	cmd.Flags().StringVar(&f.patientID, "patient-id", "", "Local patient id")
	cmd.Flags().StringVar(&f.purposeOfUse, "purpose", ihe.DefaultPurposeOfUse, "SAML purpose of use")
	cmd.Flags().StringVar(&f.grantor, "on-behalf-of", "", "OID of the organization this query is made for")
	_ = cmd.MarkFlagRequired("gateway-oid")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("patient-id")
}

func (f *gatewayFlags) gateway() ihe.Gateway {
	home := f.homeCommunityID
	if home == "" {
		home = f.oid
	}
	return ihe.Gateway{OID: f.oid, URL: f.url, HomeCommunityID: home, OmitURNPrefix: f.omitURNPrefix}
}

func xcpdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xcpd",
		Short: "Cross-community patient discovery (ITI-55)",
	}

	var (
		gw        gatewayFlags
		family    string
		given     []string
		gender    string
		birthDate string
		npis      []string
	)
	discover := &cobra.Command{
		Use:   "discover",
		Short: "Ask a remote gateway whether it knows a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOutbound()
			if err != nil {
				return err
			}
			req := xcpd.OutboundRequest{
				ID:        uuid.NewString(),
				PatientID: gw.patientID,
				Gateway:   gw.gateway(),
				PatientResource: ihe.PatientResource{
					Name:      []ihe.HumanName{{Family: family, Given: given}},
					Gender:    gender,
					BirthDate: birthDate,
				},
				PrincipalCareProviderIDs: npis,
				PurposeOfUse:             gw.purposeOfUse,
				QueryGrantorOID:          gw.grantor,
				Timestamp:                time.Now(),
			}
			sr, err := xcpd.BuildOutboundRequest(req, o.me)
			if err != nil {
				return err
			}
			resp := xcpd.ParseOutboundResponse(req, o.send(cmd.Context(), sr))
			return printJSON(map[string]interface{}{
				"id":                resp.ID,
				"patientId":         resp.PatientID,
				"gateway":           resp.Gateway,
				"outcome":           outcome.Of(resp.Outcome).String(),
				"result":            resp.Outcome,
				"responseTimestamp": resp.ResponseTimestamp,
			})
		},
	}
	gw.register(discover)
	discover.Flags().StringVar(&family, "family", "", "Family name")
	discover.Flags().StringSliceVar(&given, "given", nil, "Given names")
	discover.Flags().StringVar(&gender, "gender", "", "male or female")
	discover.Flags().StringVar(&birthDate, "birth-date", "", "Birth date, YYYY-MM-DD")
	discover.Flags().StringSliceVar(&npis, "npi", nil, "NPIs of the principal care providers")
	_ = discover.MarkFlagRequired("family")
	cmd.AddCommand(discover)

	return cmd
}

func dqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dq",
		Short: "Cross-community document query (ITI-38)",
	}

	var (
		gw             gatewayFlags
		externalID     string
		externalSystem string
		from, to       string
	)
	query := &cobra.Command{
		Use:   "query",
		Short: "List the documents a remote gateway holds for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOutbound()
			if err != nil {
				return err
			}
			created, err := dateRange(from, to)
			if err != nil {
				return err
			}
			req := dq.OutboundRequest{
				ID:                     uuid.NewString(),
				PatientID:              gw.patientID,
				Gateway:                gw.gateway(),
				ExternalGatewayPatient: ihe.XCPDPatientID{ID: externalID, System: externalSystem},
				DocumentCreationDate:   created,
				PurposeOfUse:           gw.purposeOfUse,
				QueryGrantorOID:        gw.grantor,
				Timestamp:              time.Now(),
			}
			sr, err := dq.BuildOutboundRequest(req, o.me)
			if err != nil {
				return err
			}
			return printJSON(dq.ParseOutboundResponse(req, o.send(cmd.Context(), sr)))
		},
	}
	gw.register(query)
	query.Flags().StringVar(&externalID, "external-id", "", "The remote gateway's id for the patient")
	query.Flags().StringVar(&externalSystem, "external-system", "", "Assigning authority of the external id")
	query.Flags().StringVar(&from, "from", "", "Earliest creation date, YYYY-MM-DD")
	query.Flags().StringVar(&to, "to", "", "Latest creation date, YYYY-MM-DD")
	_ = query.MarkFlagRequired("external-id")
	_ = query.MarkFlagRequired("external-system")
	cmd.AddCommand(query)

	return cmd
}

func dateRange(from, to string) (dq.DateRange, error) {
	var r dq.DateRange
	for _, p := range []struct {
		value string
		dst   *time.Time
	}{{from, &r.From}, {to, &r.To}} {
		if p.value == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", p.value)
		if err != nil {
			return dq.DateRange{}, fmt.Errorf("invalid date %q: %w", p.value, err)
		}
		*p.dst = t
	}
	return r, nil
}

func drCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dr",
		Short: "Cross-community document retrieve (ITI-39)",
	}

	var (
		gw         gatewayFlags
		repository string
		docs       []string
		save       bool
	)
	retrieve := &cobra.Command{
		Use:   "retrieve",
		Short: "Fetch documents from a remote gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newOutbound()
			if err != nil {
				return err
			}
			gateway := gw.gateway()
			repo := repository
			if repo == "" {
				repo = gateway.HomeCommunityID
			}
			refs := make([]ihe.DocumentReference, 0, len(docs))
			for _, d := range docs {
				refs = append(refs, ihe.DocumentReference{
					HomeCommunityID:    gateway.HomeCommunityID,
					RepositoryUniqueID: repo,
					DocUniqueID:        d,
				})
			}
			req := dr.OutboundRequest{
				ID:                 uuid.NewString(),
				PatientID:          gw.patientID,
				Gateway:            gateway,
				DocumentReferences: refs,
				PurposeOfUse:       gw.purposeOfUse,
				QueryGrantorOID:    gw.grantor,
				Timestamp:          time.Now(),
			}
			sr, err := dr.BuildOutboundRequest(req, o.me)
			if err != nil {
				return err
			}
			resp := dr.ParseOutboundResponse(req, o.send(cmd.Context(), sr))

			out := map[string]interface{}{
				"id":                resp.ID,
				"patientId":         resp.PatientID,
				"documents":         len(resp.Documents),
				"operationOutcome":  resp.OperationOutcome,
				"responseTimestamp": resp.ResponseTimestamp,
			}
			if save && len(resp.Documents) > 0 {
				if err := o.cfg.Validate(); err != nil {
					return err
				}
				store, err := newObjectStore(o.cfg)
				if err != nil {
					return err
				}
				stored, err := dr.StoreRetrieved(cmd.Context(), store, o.cfg.DocumentsBucket, resp.PatientID, resp.Documents)
				if err != nil {
					return err
				}
				out["stored"] = stored
			}
			return printJSON(out)
		},
	}
	gw.register(retrieve)
	retrieve.Flags().StringVar(&repository, "repository", "", "Repository unique id (defaults to the home community)")
	retrieve.Flags().StringSliceVar(&docs, "doc", nil, "Document unique ids to retrieve")
	retrieve.Flags().BoolVar(&save, "save", false, "Store retrieved documents in the documents bucket")
	_ = retrieve.MarkFlagRequired("doc")
	cmd.AddCommand(retrieve)

	return cmd
}
