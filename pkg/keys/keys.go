/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keys centralizes construction of every partition key and cache
// fingerprint. No other package concatenates key fragments.
package keys

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// ReservedNamespace prefixes records that are global to the deployment: the
// schema version and the namespace registry.
const ReservedNamespace = "_"

const (
	bucketPrefix   = "BUCKET#"
	entityPrefix   = "ENTITY#"
	resourcePrefix = "RESOURCE#"
	systemKey      = "SYSTEM#DEFAULT"
	schemaKey      = "SCHEMA"
	nsPrefix       = "NAMESPACE#"
	auditPrefix    = "AUDIT#"
)

// Bucket returns the key of the token-bucket record for (entity, resource)
// inside the namespace identified by opaqueID.
func Bucket(opaqueID, entityID, resource string) string {
	return fmt.Sprintf("%s/%s%s#%s", opaqueID, bucketPrefix, entityID, resource)
}

// Entity returns the key of an entity record.
func Entity(opaqueID, entityID string) string {
	return fmt.Sprintf("%s/%s%s", opaqueID, entityPrefix, entityID)
}

// SystemConfig returns the key of the singleton system-default config record.
func SystemConfig(opaqueID string) string {
	return fmt.Sprintf("%s/%s", opaqueID, systemKey)
}

// ResourceConfig returns the key of a resource-default config record.
func ResourceConfig(opaqueID, resource string) string {
	return fmt.Sprintf("%s/%s%s", opaqueID, resourcePrefix, resource)
}

// EntityConfig returns the key of an entity-default config record.
func EntityConfig(opaqueID, entityID string) string {
	return fmt.Sprintf("%s/CONFIG#%s%s", opaqueID, entityPrefix, entityID)
}

// EntityResourceConfig returns the key of an entity+resource config record.
func EntityResourceConfig(opaqueID, entityID, resource string) string {
	return fmt.Sprintf("%s/CONFIG#%s%s#%s%s", opaqueID, entityPrefix, entityID, resourcePrefix, resource)
}

// ResourceConfigPrefix is the shared prefix of all resource-default config
// records in a namespace, used to enumerate resources with defaults.
func ResourceConfigPrefix(opaqueID string) string {
	return fmt.Sprintf("%s/%s", opaqueID, resourcePrefix)
}

// ResourceFromConfigKey recovers the resource name from a resource-default
// config key. The empty string means the key is not a resource-default key.
func ResourceFromConfigKey(opaqueID, key string) string {
	prefix := ResourceConfigPrefix(opaqueID)
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	return key[len(prefix):]
}

// Schema returns the key of the schema-version record in the reserved
// namespace.
func Schema() string {
	return fmt.Sprintf("%s/%s", ReservedNamespace, schemaKey)
}

// NamespaceRecord returns the registry key binding a human namespace name to
// its opaque prefix.
func NamespaceRecord(name string) string {
	return fmt.Sprintf("%s/%s%s", ReservedNamespace, nsPrefix, name)
}

// Audit returns the key of a usage-audit record. id is expected to be unique
// per admission (a UUID).
func Audit(opaqueID, entityID, resource, id string) string {
	return fmt.Sprintf("%s/%s%s#%s#%s", opaqueID, auditPrefix, entityID, resource, id)
}

// ScopeKind discriminates the four config-resolution levels.
type ScopeKind string

const (
	ScopeEntityResource ScopeKind = "entity-resource"
	ScopeEntity         ScopeKind = "entity"
	ScopeResource       ScopeKind = "resource"
	ScopeSystem         ScopeKind = "system"
)

// Fingerprint identifies one config-cache entry: a resolution request at one
// scope. Two requests that could only ever resolve to the same stored record
// share a fingerprint.
func Fingerprint(kind ScopeKind, namespace, entityID, resource string) string {
	hash, err := hashstructure.Hash(struct {
		Kind      ScopeKind
		Namespace string
		EntityID  string
		Resource  string
	}{kind, namespace, entityID, resource}, hashstructure.FormatV2, nil)
	// Hashing a struct of strings cannot fail; keep the invariant loud.
	if err != nil {
		panic(fmt.Sprintf("fingerprinting config scope: %s", err))
	}
	return fmt.Sprintf("%s/%d", kind, hash)
}
