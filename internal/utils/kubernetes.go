package utils

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// CreateOrUpdate creates or updates a Kubernetes resource.
// It only updates when the object actually changes.
// The desired object is passed in - controllerutil.CreateOrUpdate will handle the comparison.
func CreateOrUpdate(ctx context.Context, k8sClient client.Client, desiredObj client.Object) error {
	// Store desired state before controllerutil.CreateOrUpdate GETs the existing object
	desiredCopy := desiredObj.DeepCopyObject()

	// controllerutil.CreateOrUpdate will:
	// 1. GET the existing object (using key from desiredObj) - this overwrites desiredObj!
	// 2. Call mutate function - we copy desired state into the existing object
	// 3. Compare before/after and only update if changed
	operation, err := controllerutil.CreateOrUpdate(ctx, k8sClient, desiredObj, func() error {
		// At this point, desiredObj contains the existing object (or empty if new)
		// We need to copy the desired state (spec/data) from desiredCopy into it
		// while preserving metadata (resourceVersion, generation, etc.)
		return copyDesiredState(desiredObj, desiredCopy)
	})

	// Log only if something actually changed (for debugging)
	if operation == controllerutil.OperationResultUpdated {
		// Resource was updated - this is expected when changes occur
	} else if operation == controllerutil.OperationResultCreated {
		// Resource was created - this is expected for new resources
	} else if operation == controllerutil.OperationResultNone {
		// No changes - this is the desired state for idempotent operations
	}

	return err
}

// copyDesiredState copies the desired state (spec/data) from desiredCopy into obj.
// It preserves metadata (resourceVersion, generation, etc.) from obj.
func copyDesiredState(obj client.Object, desiredCopy runtime.Object) error {
	// Convert both to unstructured for generic copying
	objUnstructured, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj.(runtime.Object))
	if err != nil {
		return fmt.Errorf("failed to convert obj to unstructured: %w", err)
	}

	desiredUnstructured, err := runtime.DefaultUnstructuredConverter.ToUnstructured(desiredCopy)
	if err != nil {
		return fmt.Errorf("failed to convert desired to unstructured: %w", err)
	}

	// Preserve metadata from existing object
	metadata := objUnstructured["metadata"].(map[string]interface{})

	// Copy spec and data from desired
	if spec, ok := desiredUnstructured["spec"]; ok {
		objUnstructured["spec"] = spec
	}
	if data, ok := desiredUnstructured["data"]; ok {
		objUnstructured["data"] = data
	}
	if stringData, ok := desiredUnstructured["stringData"]; ok {
		objUnstructured["stringData"] = stringData
	}

	// Restore preserved metadata
	objUnstructured["metadata"] = metadata

	// Convert back to typed object
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(objUnstructured, obj.(runtime.Object)); err != nil {
		return fmt.Errorf("failed to convert back from unstructured: %w", err)
	}

	return nil
}

// ResourceQuantity parses a resource quantity string and returns a Quantity.
// Returns zero quantity on parse error.
func ResourceQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}

// Int32Ptr returns a pointer to the given int32 value.
func Int32Ptr(i int32) *int32 {
	return &i
}

// Int64Ptr returns a pointer to the given int64 value.
func Int64Ptr(i int64) *int64 {
	return &i
}

// StringPtr returns a pointer to the given string value.
func StringPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}
