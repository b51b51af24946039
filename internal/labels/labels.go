// Package labels defines the orchestrator label and annotation conventions
// shared by the gateways and the orchestration worker, and the naming rules
// for the objects the worker synthesizes.
package labels

import "fmt"

// Well-known label keys placed on orchestrator objects.
const (
	ManagedBy          = "managedBy"
	Organization        = "organization"
	Project             = "project"
	Service              = "service"
	Type                 = "type"
	ScaleToZeroEnabled  = "scaleToZeroEnabled"
	UsernamePrefix       = "username-"
	DomainPrefix         = "domain-"
)

// ManagedByValue is the value written into the ManagedBy label.
const ManagedByValue = "platformcore"

// Service types recognized in the `type` label and the deploy-service payload.
const (
	TypeWeb        = "web"
	TypePrivate    = "private"
	TypeMySQL      = "mysql"
	TypePostgres   = "postgresql"
	TypeMemory     = "memory"
)

// Base returns the labels every orchestrator object for a service carries.
func Base(organizationID, projectID, serviceID, serviceType string) map[string]string {
	return map[string]string{
		ManagedBy:   ManagedByValue,
		Organization: organizationID,
		Project:      projectID,
		Service:      serviceID,
		Type:         serviceType,
	}
}

// NamespaceLabels returns the labels placed on a project namespace.
func NamespaceLabels(organizationID, projectID string) map[string]string {
	return map[string]string{
		ManagedBy:   ManagedByValue,
		Organization: organizationID,
		Project:      projectID,
	}
}

// DomainLabel returns the label key for the Nth domain owned by a web service.
func DomainLabel(n int) string {
	return fmt.Sprintf("%s%d", DomainPrefix, n)
}

// UsernameLabel returns the label key for the Nth username owned by a database service.
func UsernameLabel(n int) string {
	return fmt.Sprintf("%s%d", UsernamePrefix, n)
}

// Domains extracts every domain-N label value from a label set, in index order.
func Domains(objLabels map[string]string) []string {
	var domains []string
	for i := 0; ; i++ {
		v, ok := objLabels[DomainLabel(i)]
		if !ok {
			break
		}
		domains = append(domains, v)
	}
	return domains
}

// Usernames extracts every username-N label value from a label set, in index order.
func Usernames(objLabels map[string]string) []string {
	var usernames []string
	for i := 1; ; i++ {
		v, ok := objLabels[UsernameLabel(i)]
		if !ok {
			break
		}
		usernames = append(usernames, v)
	}
	return usernames
}

// Object naming conventions (spec §6).
func DeploymentName(serviceID string) string { return serviceID + "-deployment" }
func ServiceName(serviceID string) string     { return serviceID + "-service" }
func AutoscalerName(serviceID string) string  { return serviceID + "-hpa" }
func ClaimName(serviceID string) string       { return serviceID + "-pvc" }
func PullSecretName(serviceID string) string  { return serviceID + "-container-registry-secret" }
func EnvSecretName(serviceID string) string   { return serviceID + "-env-secret" }
func ConfigMapName(serviceID, engine string) string {
	return fmt.Sprintf("%s-%s-config", serviceID, engine)
}

// CertSecretNamespace is where certificate Secrets are stored.
const CertSecretNamespace = "system-apps"

// CertSecretType is the label value identifying a Secret as certificate material.
const CertSecretType = "certificate"

// CertSecretName returns the Secret name for a per-domain certificate.
func CertSecretName(domain string) string {
	return "cert-" + dashed(domain)
}

// WildcardCertSecretName returns the Secret name for the wildcard certificate.
func WildcardCertSecretName(base string) string {
	return "cert-wildcard-" + dashed(base)
}

func dashed(domain string) string {
	out := make([]rune, 0, len(domain))
	for _, r := range domain {
		if r == '.' || r == '*' {
			if r == '*' {
				continue
			}
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
