package organize

import (
	"fmt"
	"os"
	"slices"

	"virtool/internal/core"
	"virtool/pkg/domain"
)

// OriginalReference is the id given to the reference created for data that
// predates references.
const OriginalReference = "original"

// Default returns the migrations run at startup, in order.
func Default() []Migration {
	return []Migration{
		{ID: "analyses_default_algorithm", Apply: analysesDefaultAlgorithm},
		{ID: "analyses_delete_unready", Always: true, Apply: analysesDeleteUnready},
		{ID: "analyses_original_reference", Apply: analysesOriginalReference},
		{ID: "indexes_original_reference", Apply: indexesOriginalReference},
		{ID: "indexes_delete_unready", Always: true, Apply: indexesDeleteUnready},
		{ID: "samples_delete_unimported", Always: true, Apply: samplesDeleteUnimported},
		{ID: "files_reset_reservations", Always: true, Apply: filesResetReservations},
		{ID: "groups_permissions", Always: true, Apply: groupsPermissions},
		{ID: "users_administrator", Apply: usersAdministrator},
		{ID: "subtractions_delete_unready", Always: true, Apply: subtractionsDeleteUnready},
		{ID: "references_original", Apply: referencesOriginal},
		{ID: "status_documents", Always: true, Apply: statusDocuments},
	}
}

func analysesDefaultAlgorithm(tx domain.Transaction, _ Env) error {
	for _, a := range tx.ListAnalyses() {
		if a.Algorithm != "" {
			continue
		}
		if _, err := tx.UpdateAnalysis(a.ID, func(a *domain.Analysis) error {
			a.Algorithm = core.AlgorithmPathoscope
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// analysesDeleteUnready drops analyses whose jobs did not survive the last
// shutdown and unlinks them from their samples.
func analysesDeleteUnready(tx domain.Transaction, _ Env) error {
	removed := make(map[string]bool)
	for _, a := range tx.ListAnalyses() {
		if a.Ready {
			continue
		}
		if err := tx.DeleteAnalysis(a.ID); err != nil {
			return err
		}
		removed[a.ID] = true
	}
	if len(removed) == 0 {
		return nil
	}
	for _, s := range tx.ListSamples() {
		if !slices.ContainsFunc(s.Analyses, func(id string) bool { return removed[id] }) {
			continue
		}
		if _, err := tx.UpdateSample(s.ID, func(s *domain.Sample) error {
			s.Analyses = slices.DeleteFunc(s.Analyses, func(id string) bool { return removed[id] })
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func analysesOriginalReference(tx domain.Transaction, _ Env) error {
	for _, a := range tx.ListAnalyses() {
		if a.Reference.ID != "" {
			continue
		}
		if _, err := tx.UpdateAnalysis(a.ID, func(a *domain.Analysis) error {
			a.Reference = domain.Ref{ID: OriginalReference}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func indexesOriginalReference(tx domain.Transaction, _ Env) error {
	for _, i := range tx.ListIndexes() {
		if i.Reference.ID != "" {
			continue
		}
		if _, err := tx.UpdateIndex(i.ID, func(i *domain.Index) error {
			i.Reference = domain.Ref{ID: OriginalReference}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// indexesDeleteUnready drops indexes whose build did not finish and returns
// the history records they claimed to unbuilt, so the reference can be
// rebuilt.
func indexesDeleteUnready(tx domain.Transaction, env Env) error {
	removed := make(map[string]bool)
	for _, i := range tx.ListIndexes() {
		if i.Ready {
			continue
		}
		if err := tx.DeleteIndex(i.ID); err != nil {
			return err
		}
		removed[i.ID] = true
		if err := removeDir(env, env.Settings.PathsFor().Index(i.Reference.ID, i.ID)); err != nil {
			return err
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for _, h := range tx.ListHistory() {
		if !removed[h.Index.ID] {
			continue
		}
		if _, err := tx.UpdateHistory(h.ID, func(h *domain.HistoryRecord) error {
			h.Index = domain.HistoryIndex{ID: domain.Unbuilt, Version: domain.Unbuilt}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// samplesDeleteUnimported drops samples whose import was still running at the
// last shutdown, together with their analyses and directories. Their uploads
// are released by filesResetReservations.
func samplesDeleteUnimported(tx domain.Transaction, env Env) error {
	var stale []string
	for _, s := range tx.ListSamples() {
		if s.Imported == domain.InProgress {
			stale = append(stale, s.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	for _, a := range tx.ListAnalyses() {
		if !slices.Contains(stale, a.Sample.ID) {
			continue
		}
		if err := tx.DeleteAnalysis(a.ID); err != nil {
			return err
		}
	}
	for _, id := range stale {
		if err := tx.DeleteSample(id); err != nil {
			return err
		}
		if err := removeDir(env, env.Settings.PathsFor().Sample(id)); err != nil {
			return err
		}
	}
	return nil
}

// removeDir deletes a data directory. It does nothing without a data path.
func removeDir(env Env, dir string) error {
	if env.Settings.DataPath == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// filesResetReservations releases every reservation. Reservations belong to
// jobs and no job outlives the process.
func filesResetReservations(tx domain.Transaction, _ Env) error {
	for _, f := range tx.ListFiles() {
		if !f.Reserved {
			continue
		}
		if _, err := tx.UpdateFile(f.ID, func(f *domain.File) error {
			f.Reserved = false
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// groupsPermissions removes the administrator group, which is a user flag,
// and gives every other group exactly the known permission keys.
func groupsPermissions(tx domain.Transaction, _ Env) error {
	for _, g := range tx.ListGroups() {
		if g.ID == core.AdministratorGroup {
			if err := tx.DeleteGroup(g.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.UpdateGroup(g.ID, func(g *domain.Group) error {
			g.Permissions = normalizePermissions(g.Permissions)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func normalizePermissions(p domain.Permissions) domain.Permissions {
	out := make(domain.Permissions, len(core.AllPermissions))
	for _, name := range core.AllPermissions {
		out[name] = p[name]
	}
	return out
}

// usersAdministrator turns membership of the administrator group into the
// administrator flag.
func usersAdministrator(tx domain.Transaction, _ Env) error {
	for _, u := range tx.ListUsers() {
		if !slices.Contains(u.Groups, core.AdministratorGroup) {
			continue
		}
		if _, err := tx.UpdateUser(u.ID, func(u *domain.User) error {
			u.Administrator = true
			u.Groups = slices.DeleteFunc(u.Groups, func(g string) bool { return g == core.AdministratorGroup })
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func subtractionsDeleteUnready(tx domain.Transaction, _ Env) error {
	for _, s := range tx.ListSubtractions() {
		if s.Ready {
			continue
		}
		if err := tx.DeleteSubtraction(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// referencesOriginal creates the original reference when OTUs exist but no
// reference does, and attaches unowned OTUs and history to it.
func referencesOriginal(tx domain.Transaction, env Env) error {
	otus := tx.ListOTUs()
	if len(otus) == 0 || len(tx.ListReferences()) > 0 {
		return nil
	}
	if _, err := tx.CreateReference(domain.Reference{
		Base:        domain.Base{ID: OriginalReference, CreatedAt: env.Now},
		Name:        "Original",
		DataType:    "genome",
		Organism:    "virus",
		Description: "Created from existing viruses when references were introduced",
		SourceTypes: append([]string(nil), env.Settings.DefaultSourceTypes...),
	}); err != nil {
		return err
	}
	for _, o := range otus {
		if o.Reference.ID != "" {
			continue
		}
		if _, err := tx.UpdateOTU(o.ID, func(o *domain.OTU) error {
			o.Reference = domain.Ref{ID: OriginalReference}
			return nil
		}); err != nil {
			return err
		}
	}
	for _, h := range tx.ListHistory() {
		if h.Reference.ID != "" {
			continue
		}
		if _, err := tx.UpdateHistory(h.ID, func(h *domain.HistoryRecord) error {
			h.Reference = domain.Ref{ID: OriginalReference}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// statusDocuments stamps the running version on the software document and
// makes sure the hmm document exists.
func statusDocuments(tx domain.Transaction, env Env) error {
	software := map[string]any{
		"installed": nil,
		"releases":  []any{},
	}
	if existing, ok := tx.FindStatus("software"); ok {
		for k, v := range existing.Fields {
			software[k] = v
		}
	}
	software["version"] = env.Version
	software["process"] = nil
	software["updating"] = false
	if _, err := tx.PutStatus(domain.Status{Base: domain.Base{ID: "software"}, Fields: software}); err != nil {
		return err
	}
	if _, ok := tx.FindStatus("hmm"); ok {
		return nil
	}
	_, err := tx.PutStatus(domain.Status{Base: domain.Base{ID: "hmm"}, Fields: map[string]any{
		"installed": nil,
		"process":   nil,
		"release":   nil,
		"updates":   []any{},
	}})
	return err
}
