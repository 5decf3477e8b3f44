// Package route53 adapts github.com/aws/aws-sdk-go's service/route53 client
// to the provider.Backend contract, using the standard SigV4 session-based
// client construction pattern, generalized to this repo's
// single-zone-per-Instance model.
package route53

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awscreds "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"

	"github.com/elmerfds/trafegodns/internal/model"
)

// Backend implements provider.Backend against Amazon Route 53.
type Backend struct {
	client     *route53.Route53
	zoneName   string
	hostedZone string
}

// New constructs an uninitialized Backend; Init performs credential
// validation and hosted-zone resolution.
func New(zoneName string) *Backend {
	return &Backend{zoneName: zoneName}
}

// Init builds an AWS session from the supplied credentials and resolves the
// hosted zone ID for the configured zone name.
func (b *Backend) Init(ctx context.Context, creds map[string]string) error {
	region := creds["region"]
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.NewConfig().WithRegion(region)
	if accessKey := creds["access_key_id"]; accessKey != "" {
		cfg = cfg.WithCredentials(awscreds.NewStaticCredentials(
			accessKey, creds["secret_access_key"], creds["session_token"]))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return model.NewError(model.KindAuthFailed, "creating aws session", err)
	}
	b.client = route53.New(sess)

	zoneID, err := b.resolveHostedZone(ctx)
	if err != nil {
		return err
	}
	b.hostedZone = zoneID
	return nil
}

func (b *Backend) resolveHostedZone(ctx context.Context) (string, error) {
	target := model.Fqdn(b.zoneName)
	out, err := b.client.ListHostedZonesByNameWithContext(ctx, &route53.ListHostedZonesByNameInput{
		DNSName: aws.String(target),
	})
	if err != nil {
		return "", mapError(err, "listing hosted zones for "+b.zoneName)
	}
	for _, z := range out.HostedZones {
		if aws.StringValue(z.Name) == target {
			return strings.TrimPrefix(aws.StringValue(z.Id), "/hostedzone/"), nil
		}
	}
	return "", model.NewError(model.KindMisconfiguredZone, "no hosted zone matches "+b.zoneName, nil)
}

// GetZoneName returns the configured zone apex.
func (b *Backend) GetZoneName() string { return b.zoneName }

// ListRecords lists every resource record set in the hosted zone, one
// model.ProviderRecord per value for multi-value sets (A/AAAA/TXT).
func (b *Backend) ListRecords(ctx context.Context) ([]model.ProviderRecord, error) {
	var out []model.ProviderRecord
	input := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(b.hostedZone)}

	for {
		resp, err := b.client.ListResourceRecordSetsWithContext(ctx, input)
		if err != nil {
			return nil, mapError(err, "listing record sets")
		}
		for _, rs := range resp.ResourceRecordSets {
			out = append(out, toProviderRecords(rs)...)
		}
		if aws.BoolValue(resp.IsTruncated) {
			input.StartRecordName = resp.NextRecordName
			input.StartRecordType = resp.NextRecordType
			input.StartRecordIdentifier = resp.NextRecordIdentifier
			continue
		}
		break
	}
	return out, nil
}

// CreateRecord creates a resource record set via UPSERT (Route 53 has no
// separate create; upsert is safe because findMatch already established
// no record with this name+type+discriminator exists).
func (b *Backend) CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	return b.upsert(ctx, d)
}

// UpdateRecord updates the resource record set. externalID for Route 53 is
// the synthetic "name|type" key assigned in toProviderRecords, since the
// API has no independent record ID.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error) {
	return b.upsert(ctx, d)
}

func (b *Backend) upsert(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	rrset := toResourceRecordSet(d)
	_, err := b.client.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(b.hostedZone),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action:            aws.String(route53.ChangeActionUpsert),
				ResourceRecordSet: rrset,
			}},
		},
	})
	if err != nil {
		return model.ProviderRecord{}, mapError(err, "upserting record "+d.Name)
	}
	prs := toProviderRecords(rrset)
	if len(prs) == 0 {
		return model.ProviderRecord{}, model.NewError(model.KindValidationFailed, "no record produced for "+d.Name, nil)
	}
	return prs[0], nil
}

// DeleteRecord deletes the resource record set identified by externalID
// (the synthetic "name|type" key).
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	name, typ, ok := splitExternalID(externalID)
	if !ok {
		return model.NewError(model.KindValidationFailed, "malformed route53 external id "+externalID, nil)
	}
	_, err := b.client.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(b.hostedZone),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action: aws.String(route53.ChangeActionDelete),
				ResourceRecordSet: &route53.ResourceRecordSet{
					Name: aws.String(model.Fqdn(name)),
					Type: aws.String(typ),
				},
			}},
		},
	})
	if err != nil {
		return mapError(err, "deleting record "+externalID)
	}
	return nil
}

func externalIDFor(name, typ string) string {
	return fmt.Sprintf("%s|%s", model.NormalizeHostname(name), typ)
}

func splitExternalID(id string) (name, typ string, ok bool) {
	parts := strings.SplitN(id, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func toResourceRecordSet(d model.DesiredRecord) *route53.ResourceRecordSet {
	ttl := int64(d.TTL)
	if d.TTL == model.TTLAuto {
		ttl = 300
	}
	rrset := &route53.ResourceRecordSet{
		Name: aws.String(model.Fqdn(d.Name)),
		Type: aws.String(string(d.Type)),
		TTL:  aws.Int64(ttl),
	}

	var value string
	switch d.Type {
	case model.TypeMX:
		value = fmt.Sprintf("%d %s", d.Priority, model.Fqdn(d.Content))
	case model.TypeSRV:
		value = fmt.Sprintf("%d %d %d %s", d.Priority, d.Weight, d.Port, model.Fqdn(d.Content))
	case model.TypeCAA:
		value = fmt.Sprintf("%d %s %q", d.Flags, d.Tag, d.Content)
	case model.TypeTXT:
		value = strconv.Quote(d.Content)
	case model.TypeCNAME:
		value = model.Fqdn(d.Content)
	default:
		value = d.Content
	}
	rrset.ResourceRecords = []*route53.ResourceRecord{{Value: aws.String(value)}}
	return rrset
}

func toProviderRecords(rs *route53.ResourceRecordSet) []model.ProviderRecord {
	var out []model.ProviderRecord
	for _, rr := range rs.ResourceRecords {
		d := model.DesiredRecord{
			Type: model.RecordType(aws.StringValue(rs.Type)),
			Name: model.NormalizeHostname(aws.StringValue(rs.Name)),
			TTL:  int(aws.Int64Value(rs.TTL)),
		}
		parseValueInto(&d, aws.StringValue(rr.Value))
		pr := model.ProviderRecord{
			DesiredRecord: d,
			ExternalID:    externalIDFor(d.Name, string(d.Type)),
		}
		pr.Fingerprint = model.Fingerprint(d)
		out = append(out, pr)
	}
	return out
}

func parseValueInto(d *model.DesiredRecord, value string) {
	switch d.Type {
	case model.TypeMX:
		var prio int
		var host string
		if _, err := fmt.Sscanf(value, "%d %s", &prio, &host); err == nil {
			d.Priority = prio
			d.Content = model.NormalizeHostname(host)
			return
		}
		d.Content = value
	case model.TypeSRV:
		var prio, weight, port int
		var target string
		if _, err := fmt.Sscanf(value, "%d %d %d %s", &prio, &weight, &port, &target); err == nil {
			d.Priority, d.Weight, d.Port = prio, weight, port
			d.Content = model.NormalizeHostname(target)
			return
		}
		d.Content = value
	case model.TypeTXT:
		if unquoted, err := strconv.Unquote(value); err == nil {
			d.Content = unquoted
			return
		}
		d.Content = value
	case model.TypeCNAME:
		d.Content = model.NormalizeHostname(value)
	default:
		d.Content = value
	}
}

// mapError classifies an AWS SDK error into the abstract taxonomy.
func mapError(err error, reason string) error {
	if err == nil {
		return nil
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return model.NewError(model.KindNetworkFailed, reason, err)
	}
	switch aerr.Code() {
	case "AccessDenied", "InvalidClientTokenId", "SignatureDoesNotMatch", "AuthFailure":
		return model.NewError(model.KindAuthFailed, reason, err)
	case "Throttling", "ThrottlingException":
		return model.NewError(model.KindRateLimited, reason, err)
	case route53.ErrCodeNoSuchHostedZone:
		return model.NewError(model.KindNotFound, reason, err)
	case route53.ErrCodeInvalidChangeBatch, route53.ErrCodeInvalidInput:
		return model.NewError(model.KindValidationFailed, reason, err)
	default:
		return model.NewError(model.KindNetworkFailed, reason, err)
	}
}
