package validation

import (
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/failsaferules"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

// MaxRules bounds the size of each table of a configuration.
const MaxRules = 10000

// ValidatePacketFilterConfig checks a configuration without loading it. The
// returned error is a field aggregate listing every problem found.
func ValidatePacketFilterConfig(cfg *pfv1alpha1.PacketFilterConfig) error {
	allErrs := validateTypeMeta(cfg)
	allErrs = append(allErrs, validateSpec(&cfg.Spec, cfg.Name)...)
	if len(allErrs) > 0 {
		return apierrors.NewInvalid(
			schema.GroupKind{Group: pfv1alpha1.GroupVersion.Group, Kind: pfv1alpha1.PacketFilterConfigKind},
			cfg.Name, allErrs)
	}
	return nil
}

func validateTypeMeta(cfg *pfv1alpha1.PacketFilterConfig) field.ErrorList {
	var allErrs field.ErrorList
	if cfg.APIVersion != "" && cfg.APIVersion != pfv1alpha1.GroupVersion.String() {
		allErrs = append(allErrs, field.NotSupported(field.NewPath("apiVersion"),
			cfg.APIVersion, []string{pfv1alpha1.GroupVersion.String()}))
	}
	if cfg.Kind != "" && cfg.Kind != pfv1alpha1.PacketFilterConfigKind {
		allErrs = append(allErrs, field.NotSupported(field.NewPath("kind"),
			cfg.Kind, []string{pfv1alpha1.PacketFilterConfigKind}))
	}
	return allErrs
}

func validateSpec(spec *pfv1alpha1.PacketFilterConfigSpec, name string) field.ErrorList {
	var allErrs field.ErrorList
	specPath := field.NewPath("spec")

	if _, err := spec.Policy(); err != nil {
		allErrs = append(allErrs, field.Invalid(specPath.Child("defaultPolicy"), spec.DefaultPolicy, err.Error()))
	}
	if _, err := spec.MatchMode(); err != nil {
		allErrs = append(allErrs, field.NotSupported(specPath.Child("natMatchMode"), spec.NATMatchMode, []string{"first", "last"}))
	}
	if _, err := spec.DebugLevel(); err != nil {
		allErrs = append(allErrs, field.Invalid(specPath.Child("debug"), spec.Debug, err.Error()))
	}
	if strings.HasPrefix(spec.StatusInterface, "!") {
		allErrs = append(allErrs, field.Invalid(specPath.Child("statusInterface"), spec.StatusInterface,
			"status interface cannot be negated"))
	}
	allErrs = append(allErrs, validateTimeouts(specPath.Child("timeouts"), spec.Timeouts)...)
	allErrs = append(allErrs, validateLimits(specPath.Child("limits"), spec.Limits)...)
	allErrs = append(allErrs, validateRules(specPath.Child("rules"), spec.Rules, name)...)
	allErrs = append(allErrs, validateNATs(specPath.Child("nat"), spec.NAT, name)...)
	allErrs = append(allErrs, validateBINATs(specPath.Child("binat"), spec.BINAT, name)...)
	allErrs = append(allErrs, validateRDRs(specPath.Child("rdr"), spec.RDR, name)...)
	return allErrs
}

func validateTimeouts(path *field.Path, values map[string]int64) field.ErrorList {
	var allErrs field.ErrorList
	for k, v := range values {
		if _, err := timeouts.Parse(k); err != nil {
			allErrs = append(allErrs, field.NotSupported(path.Key(k), k, timeouts.Names()))
			continue
		}
		if v < 0 {
			allErrs = append(allErrs, field.Invalid(path.Key(k), v, "must not be negative"))
		}
	}
	return allErrs
}

func validateLimits(path *field.Path, values map[string]int64) field.ErrorList {
	var allErrs field.ErrorList
	for k, v := range values {
		if _, err := engine.ParseLimit(k); err != nil {
			allErrs = append(allErrs, field.NotSupported(path.Key(k), k,
				[]string{engine.LimitStates.String(), engine.LimitFrags.String()}))
			continue
		}
		if v < 0 {
			allErrs = append(allErrs, field.Invalid(path.Key(k), v, "must not be negative"))
		}
	}
	return allErrs
}

func validateLength(path *field.Path, n int, name string) *field.Error {
	if n > MaxRules {
		return field.Invalid(path, name, fmt.Sprintf("must be no more than %d entries", MaxRules))
	}
	return nil
}

// validator is implemented by the converted rules and translation entries.
type validator interface {
	Validate() error
}

func validateEntry(path *field.Path, name string, conv func() (validator, error)) *field.Error {
	v, err := conv()
	if err != nil {
		return field.Invalid(path, name, err.Error())
	}
	if err := v.Validate(); err != nil {
		return field.Invalid(path, name, err.Error())
	}
	return nil
}

func validateRules(path *field.Path, rules []pfv1alpha1.FilterRule, name string) field.ErrorList {
	var allErrs field.ErrorList
	if err := validateLength(path, len(rules), name); err != nil {
		allErrs = append(allErrs, err)
	}
	for i := range rules {
		rule := rules[i]
		if err := validateEntry(path.Index(i), name, func() (validator, error) {
			v, err := rule.ToRule()
			return v, err
		}); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return allErrs
}

func validateNATs(path *field.Path, entries []pfv1alpha1.NATRule, name string) field.ErrorList {
	var allErrs field.ErrorList
	if err := validateLength(path, len(entries), name); err != nil {
		allErrs = append(allErrs, err)
	}
	for i := range entries {
		entry := entries[i]
		if err := validateEntry(path.Index(i), name, func() (validator, error) {
			v, err := entry.ToNAT()
			return v, err
		}); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return allErrs
}

func validateBINATs(path *field.Path, entries []pfv1alpha1.BINATRule, name string) field.ErrorList {
	var allErrs field.ErrorList
	if err := validateLength(path, len(entries), name); err != nil {
		allErrs = append(allErrs, err)
	}
	for i := range entries {
		entry := entries[i]
		if err := validateEntry(path.Index(i), name, func() (validator, error) {
			v, err := entry.ToBINAT()
			return v, err
		}); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return allErrs
}

func validateRDRs(path *field.Path, entries []pfv1alpha1.RDRRule, name string) field.ErrorList {
	var allErrs field.ErrorList
	if err := validateLength(path, len(entries), name); err != nil {
		allErrs = append(allErrs, err)
	}
	for i := range entries {
		entry := entries[i]
		if err := validateEntry(path.Index(i), name, func() (validator, error) {
			v, err := entry.ToRDR()
			return v, err
		}); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return allErrs
}

// Warnings lists rules that load but cannot take effect: inbound blocks of
// a port the fail safe rules pass before any configured rule is evaluated.
func Warnings(cfg *pfv1alpha1.PacketFilterConfig) []string {
	if !cfg.Spec.FailsafeEnabled() {
		return nil
	}
	var warnings []string
	path := field.NewPath("spec", "rules")
	for i, r := range cfg.Spec.Rules {
		rule, err := r.ToRule()
		if err != nil || rule.Action != filter.Drop || rule.Direction != filter.In || rule.Dst.PortOp != filter.PortOpEQ {
			continue
		}
		if service, ok := failsaferules.Covers(rule.Proto, rule.Dst.Port[0]); ok {
			warnings = append(warnings, fmt.Sprintf("%s: %s port %d is kept open for %s by the fail safe rules",
				path.Index(i), strings.ToLower(rule.Proto.String()), rule.Dst.Port[0], service))
		}
	}
	return warnings
}
