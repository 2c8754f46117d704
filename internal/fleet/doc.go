// Package fleet holds the domain types shared by dispatchers and scrapers and
// the interfaces their collaborators implement.
package fleet
