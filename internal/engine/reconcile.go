package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stefanvoss/taskbridge/internal/model"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// reconcileItem dispatches one poller-observed change by origin.
func (e *Engine) reconcileItem(ctx context.Context, item *model.ChangedItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	switch {
	case item.Origin == model.OriginCRM:
		return e.reconcileCRMTask(ctx, item.CRMTask)
	case item.Tombstone:
		return e.handleListDeletion(ctx, item.ListTask.ID)
	default:
		return e.reconcileListTask(ctx, item.ListTask)
	}
}

// reconcileCRMTask pushes one changed CRM activity into the list
// manager: creating the list item (and the mapping) on first sight,
// otherwise applying a minimal field diff.
func (e *Engine) reconcileCRMTask(ctx context.Context, task *model.CRMTask) error {
	mapping, err := e.store.FindMappingByCRMID(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		return e.createListFromCRM(ctx, task)
	}
	if err != nil {
		return err
	}

	unlock := e.locks.lock(mappingLockKey(mapping.ID))
	defer unlock()

	// Re-read under the lock so the watermark reflects any pass that
	// finished while we waited.
	mapping, err = e.store.GetMapping(ctx, mapping.ID)
	if err != nil {
		return err
	}

	// Echo guard: an updated_at equal to the stored watermark is a
	// reflection of a change this engine already applied.
	if task.UpdatedAt.Equal(mapping.CRMUpdatedAt) {
		return nil
	}

	if mapping.ListTaskID == "" {
		e.logger.Printf("mapping %d has no list side, skipping CRM task %d", mapping.ID, task.ID)
		return nil
	}

	current, err := e.list.GetTask(ctx, mapping.ListTaskID)
	if err != nil {
		e.markMappingError(ctx, mapping.ID)
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionCRMToList,
			Action:     model.AuditActionUpdate,
			CRMTaskID:  task.ID,
			ListTaskID: mapping.ListTaskID,
			DealID:     task.DealID,
			Details:    fmt.Sprintf("failed to read list task: %v", err),
			Outcome:    model.AuditError,
		})
		return err
	}

	patch, changed := e.diffListTask(ctx, task, current)

	if !patch.IsEmpty() {
		if err := e.list.UpdateTask(ctx, current.ID, patch); err != nil {
			e.markMappingError(ctx, mapping.ID)
			e.audit(ctx, model.AuditEntry{
				Direction:  model.DirectionCRMToList,
				Action:     model.AuditActionUpdate,
				CRMTaskID:  task.ID,
				ListTaskID: current.ID,
				DealID:     task.DealID,
				Details:    err.Error(),
				Outcome:    model.AuditError,
			})
			return err
		}
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionCRMToList,
			Action:     model.AuditActionUpdate,
			CRMTaskID:  task.ID,
			ListTaskID: current.ID,
			DealID:     task.DealID,
			Details:    strings.Join(changed, ","),
			Outcome:    model.AuditOK,
		})
	}

	// Completion toggles symmetrically: done on the CRM closes the list
	// item, reopening reopens it.
	if task.Done != current.Completed {
		action := model.AuditActionComplete
		toggle := e.list.CloseTask
		if !task.Done {
			action = model.AuditActionReopen
			toggle = e.list.ReopenTask
		}

		if err := toggle(ctx, current.ID); err != nil {
			e.markMappingError(ctx, mapping.ID)
			e.audit(ctx, model.AuditEntry{
				Direction:  model.DirectionCRMToList,
				Action:     action,
				CRMTaskID:  task.ID,
				ListTaskID: current.ID,
				DealID:     task.DealID,
				Details:    err.Error(),
				Outcome:    model.AuditError,
			})
			return err
		}
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionCRMToList,
			Action:     action,
			CRMTaskID:  task.ID,
			ListTaskID: current.ID,
			DealID:     task.DealID,
			Outcome:    model.AuditOK,
		})
	}

	return e.store.UpdateMapping(ctx, mapping.ID, model.MappingUpdate{
		Status:       model.StatusPtr(model.StatusSynced),
		CRMUpdatedAt: model.TimePtr(task.UpdatedAt),
	})
}

// createListFromCRM creates the list-side record for a CRM activity
// seen for the first time, resolving the destination from the linked
// deal's routing rule, and persists the new mapping with both
// watermarks set to the values just written.
func (e *Engine) createListFromCRM(ctx context.Context, task *model.CRMTask) error {
	// Activities completed before ever syncing have nothing useful to
	// put on the list.
	if task.Done {
		e.logger.Printf("CRM task %d already done and unmapped, not creating", task.ID)
		return nil
	}

	unlock := e.locks.lock(fmt.Sprintf("crm:%d", task.ID))
	defer unlock()

	// Double-check under the lock: a concurrent pass may have created
	// the mapping while we waited.
	if _, err := e.store.FindMappingByCRMID(ctx, task.ID); err == nil {
		return e.reconcileCRMTask(ctx, task)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	deal, err := e.dealContext(ctx, task.DealID)
	if err != nil {
		e.audit(ctx, model.AuditEntry{
			Direction: model.DirectionCRMToList,
			Action:    model.AuditActionCreate,
			CRMTaskID: task.ID,
			DealID:    task.DealID,
			Details:   err.Error(),
			Outcome:   model.AuditError,
		})
		return err
	}

	var pipelineID, stageID int64
	if deal != nil {
		pipelineID, stageID = deal.PipelineID, deal.StageID
	}

	destination, err := e.routes.Destination(ctx, pipelineID, stageID)
	if err != nil {
		return err
	}

	created, err := e.list.CreateTask(ctx, model.NewListTask{
		Content:     EncodeTitle(task.Title, task.PersonName),
		Description: e.buildListDescription(task, deal),
		DueDate:     task.DueDate,
		Priority:    PriorityForType(task.Type),
		ProjectID:   destination,
	})
	if err != nil {
		e.audit(ctx, model.AuditEntry{
			Direction: model.DirectionCRMToList,
			Action:    model.AuditActionCreate,
			CRMTaskID: task.ID,
			DealID:    task.DealID,
			Details:   err.Error(),
			Outcome:   model.AuditError,
		})
		return err
	}

	mapping := &model.TaskMapping{
		CRMTaskID:     task.ID,
		ListTaskID:    created.ID,
		CRMPersonID:   task.PersonID,
		CRMDealID:     task.DealID,
		ListProjectID: destination,
		ListSectionID: created.SectionID,
		Origin:        model.OriginCRM,
		Status:        model.StatusSynced,
		CRMUpdatedAt:  task.UpdatedAt,
		ListUpdatedAt: created.UpdatedAt,
	}

	if _, err := e.store.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another mapping claimed one of the identities. Flag it
			// for an operator; never auto-resolve.
			existing, lookupErr := e.store.FindMappingByCRMID(ctx, task.ID)
			if errors.Is(lookupErr, store.ErrNotFound) {
				existing, lookupErr = e.store.FindMappingByListID(ctx, created.ID)
			}
			if lookupErr == nil {
				e.markConflict(ctx, existing.ID)
			}
		}
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionCRMToList,
			Action:     model.AuditActionCreate,
			CRMTaskID:  task.ID,
			ListTaskID: created.ID,
			DealID:     task.DealID,
			Details:    err.Error(),
			Outcome:    model.AuditError,
		})
		return err
	}

	e.audit(ctx, model.AuditEntry{
		Direction:  model.DirectionCRMToList,
		Action:     model.AuditActionCreate,
		CRMTaskID:  task.ID,
		ListTaskID: created.ID,
		DealID:     task.DealID,
		Details:    fmt.Sprintf("project=%s priority=%d", destination, PriorityForType(task.Type)),
		Outcome:    model.AuditOK,
	})

	return nil
}

// diffListTask computes the minimal patch turning the current list item
// into the CRM task's projection, and the names of changed fields.
func (e *Engine) diffListTask(ctx context.Context, task *model.CRMTask, current *model.ListTask) (model.ListTaskPatch, []string) {
	var patch model.ListTaskPatch
	var changed []string

	if content := EncodeTitle(task.Title, task.PersonName); content != current.Content {
		patch.Content = model.StringPtr(content)
		changed = append(changed, "title")
	}

	deal, err := e.dealContext(ctx, task.DealID)
	if err != nil {
		// Routing context is create-time only; a stale description is
		// preferable to failing the whole update.
		e.logger.Printf("WARNING: could not resolve deal %d for description: %v", task.DealID, err)
		deal = nil
	}
	if deal != nil || task.DealID == 0 {
		if desc := e.buildListDescription(task, deal); desc != current.Description {
			patch.Description = model.StringPtr(desc)
			changed = append(changed, "description")
		}
	}

	if task.DueDate != current.DueDate {
		patch.DueDate = model.StringPtr(task.DueDate)
		changed = append(changed, "due")
	}

	if p := PriorityForType(task.Type); p != current.Priority {
		patch.Priority = model.IntPtr(p)
		changed = append(changed, "priority")
	}

	return patch, changed
}

// buildListDescription composes the structured list-item description:
// activity type, linked deal stage, and a back-link into the CRM.
func (e *Engine) buildListDescription(task *model.CRMTask, deal *model.DealContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s", task.Type)
	if task.Note != "" {
		fmt.Fprintf(&b, "\n%s", task.Note)
	}
	if deal != nil {
		fmt.Fprintf(&b, "\nDeal: %s (pipeline %d, stage %d)", deal.Title, deal.PipelineID, deal.StageID)
	}
	if e.cfg.CRMWebBase != "" {
		fmt.Fprintf(&b, "\nCRM: %s/activities/%d", strings.TrimRight(e.cfg.CRMWebBase, "/"), task.ID)
	}
	return b.String()
}

// reconcileListTask pushes one changed list item back into the CRM.
// Items with no mapping are skipped: list-originated tasks are never
// auto-filed into the CRM because they lack a resolvable person.
func (e *Engine) reconcileListTask(ctx context.Context, item *model.ListTask) error {
	found, err := e.store.FindMappingByListID(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Printf("list task %s has no mapping, skipping (list-originated items are not filed into the CRM)", item.ID)
		return nil
	}
	if err != nil {
		return err
	}

	unlock := e.locks.lock(mappingLockKey(found.ID))
	defer unlock()

	mapping, err := e.store.GetMapping(ctx, found.ID)
	if err != nil {
		return err
	}

	if item.UpdatedAt.Equal(mapping.ListUpdatedAt) {
		return nil
	}

	if mapping.CRMTaskID == 0 {
		e.logger.Printf("mapping %d has no CRM side, skipping list task %s", mapping.ID, item.ID)
		return nil
	}

	current, err := e.crm.GetTask(ctx, mapping.CRMTaskID)
	if err != nil {
		e.markMappingError(ctx, mapping.ID)
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionListToCRM,
			Action:     model.AuditActionUpdate,
			CRMTaskID:  mapping.CRMTaskID,
			ListTaskID: item.ID,
			DealID:     mapping.CRMDealID,
			Details:    fmt.Sprintf("failed to read CRM task: %v", err),
			Outcome:    model.AuditError,
		})
		return err
	}

	// Only the fields the list side is permitted to push back: the
	// decoded title, the due date, and the completion flag.
	var patch model.CRMTaskPatch
	var changed []string

	if title := DecodeTitle(item.Content); title != current.Title {
		patch.Title = model.StringPtr(title)
		changed = append(changed, "title")
	}
	if item.DueDate != current.DueDate {
		patch.DueDate = model.StringPtr(item.DueDate)
		changed = append(changed, "due")
	}

	if !patch.IsEmpty() {
		if err := e.crm.UpdateTask(ctx, current.ID, patch); err != nil {
			e.markMappingError(ctx, mapping.ID)
			e.audit(ctx, model.AuditEntry{
				Direction:  model.DirectionListToCRM,
				Action:     model.AuditActionUpdate,
				CRMTaskID:  current.ID,
				ListTaskID: item.ID,
				DealID:     mapping.CRMDealID,
				Details:    err.Error(),
				Outcome:    model.AuditError,
			})
			return err
		}
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionListToCRM,
			Action:     model.AuditActionUpdate,
			CRMTaskID:  current.ID,
			ListTaskID: item.ID,
			DealID:     mapping.CRMDealID,
			Details:    strings.Join(changed, ","),
			Outcome:    model.AuditOK,
		})
	}

	if item.Completed != current.Done {
		action := model.AuditActionComplete
		toggle := e.crm.CompleteTask
		if !item.Completed {
			action = model.AuditActionReopen
			toggle = e.crm.ReopenTask
		}

		if err := toggle(ctx, current.ID); err != nil {
			e.markMappingError(ctx, mapping.ID)
			e.audit(ctx, model.AuditEntry{
				Direction:  model.DirectionListToCRM,
				Action:     action,
				CRMTaskID:  current.ID,
				ListTaskID: item.ID,
				DealID:     mapping.CRMDealID,
				Details:    err.Error(),
				Outcome:    model.AuditError,
			})
			return err
		}
		e.audit(ctx, model.AuditEntry{
			Direction:  model.DirectionListToCRM,
			Action:     action,
			CRMTaskID:  current.ID,
			ListTaskID: item.ID,
			DealID:     mapping.CRMDealID,
			Outcome:    model.AuditOK,
		})
	}

	return e.store.UpdateMapping(ctx, mapping.ID, model.MappingUpdate{
		Status:        model.StatusPtr(model.StatusSynced),
		ListUpdatedAt: model.TimePtr(item.UpdatedAt),
	})
}

// handleListDeletion closes the CRM side of a mapped item the list
// manager reports as deleted. Mappings are never hard-deleted; the row
// stays for audit continuity. Unmapped deletions are ignored.
func (e *Engine) handleListDeletion(ctx context.Context, listTaskID string) error {
	found, err := e.store.FindMappingByListID(ctx, listTaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := e.locks.lock(mappingLockKey(found.ID))
	defer unlock()

	mapping, err := e.store.GetMapping(ctx, found.ID)
	if err != nil {
		return err
	}

	if mapping.CRMTaskID == 0 {
		return nil
	}

	current, err := e.crm.GetTask(ctx, mapping.CRMTaskID)
	if err != nil {
		e.markMappingError(ctx, mapping.ID)
		return err
	}

	if !current.Done {
		if err := e.crm.CompleteTask(ctx, mapping.CRMTaskID); err != nil {
			e.markMappingError(ctx, mapping.ID)
			e.audit(ctx, model.AuditEntry{
				Direction:  model.DirectionListToCRM,
				Action:     model.AuditActionDelete,
				CRMTaskID:  mapping.CRMTaskID,
				ListTaskID: listTaskID,
				DealID:     mapping.CRMDealID,
				Details:    err.Error(),
				Outcome:    model.AuditError,
			})
			return err
		}
	}

	// Observe the completion we just caused so the next CRM poll sees
	// it as an echo instead of a fresh change against a deleted item.
	upd := model.MappingUpdate{Status: model.StatusPtr(model.StatusSynced)}
	if after, err := e.crm.GetTask(ctx, mapping.CRMTaskID); err == nil {
		upd.CRMUpdatedAt = model.TimePtr(after.UpdatedAt)
	} else {
		e.logger.Printf("WARNING: could not re-read CRM task %d after completing: %v", mapping.CRMTaskID, err)
	}

	if err := e.store.UpdateMapping(ctx, mapping.ID, upd); err != nil {
		return err
	}

	e.audit(ctx, model.AuditEntry{
		Direction:  model.DirectionListToCRM,
		Action:     model.AuditActionDelete,
		CRMTaskID:  mapping.CRMTaskID,
		ListTaskID: listTaskID,
		DealID:     mapping.CRMDealID,
		Details:    "list task deleted, CRM task closed",
		Outcome:    model.AuditOK,
	})

	return nil
}

// markMappingError flags a mapping after a failed apply.
func (e *Engine) markMappingError(ctx context.Context, id int64) {
	if err := e.store.UpdateMapping(ctx, id, model.MappingUpdate{
		Status: model.StatusPtr(model.StatusError),
	}); err != nil {
		e.logger.Printf("WARNING: failed to mark mapping %d as error: %v", id, err)
	}
}

// markConflict flags a mapping whose identity was contested.
func (e *Engine) markConflict(ctx context.Context, id int64) {
	if err := e.store.UpdateMapping(ctx, id, model.MappingUpdate{
		Status: model.StatusPtr(model.StatusConflict),
	}); err != nil {
		e.logger.Printf("WARNING: failed to mark mapping %d as conflict: %v", id, err)
	}
}

func mappingLockKey(id int64) string {
	return fmt.Sprintf("mapping:%d", id)
}
