// Package harvest defines the domain types, collaborator interfaces and error
// taxonomy shared by every stage of the archive harvesting pipeline.
package harvest
